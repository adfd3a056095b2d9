// Command fielddev runs the simulated power meter and transfer switch on
// the field bus so the PLC can be exercised without hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	app "plc-modbus-go"
	"plc-modbus-go/internal/pkg/config"
	"plc-modbus-go/internal/pkg/fielddevice"
	"plc-modbus-go/internal/pkg/logger"
)

func main() {
	configPath := flag.String("c", "res/configuration.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(-1)
	}
	if cfg.FieldBus.Type == "SIM" {
		fmt.Fprintln(os.Stderr, "FieldBus.Type is SIM; set TCP or RTU to serve the simulated devices")
		os.Exit(2)
	}

	lc := logger.NewClient(cfg.Writable.LogLevel).WithComponent("fielddev")
	lc.Info("starting field devices", "version", app.Version, "bus", cfg.FieldBus.Type)

	sim := fielddevice.NewSimulator(&cfg.FieldBus, lc)
	srv, err := sim.Serve(&cfg.FieldBus)
	if err != nil {
		lc.Error("field device server failed", "error", err)
		os.Exit(-1)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim.Run(ctx)
	lc.Info("field devices stopped")
}
