package startup

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"plc-modbus-go/internal/pkg/service"
)

// BootStrap initializes and runs the application
func BootStrap(appName string, version string) {
	configPath := flag.String("c", "", "Path to configuration file")
	threshold := flag.Int("t", -1, "Switching threshold override (0-65535)")
	flag.Parse()

	cfgPath, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get executable path: %v\n", err)
		os.Exit(-1)
	}

	var opts []service.Option
	if *threshold >= 0 {
		if *threshold > 0xFFFF {
			fmt.Fprintf(os.Stderr, "threshold %d out of range\n", *threshold)
			os.Exit(2)
		}
		opts = append(opts, service.WithThreshold(uint16(*threshold)))
	}

	fmt.Printf("Bootstrapping application: %s Version: %s\n", appName, version)

	appService, err := service.NewAppService(appName, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application service: %v\n", err)
		os.Exit(-1)
	}

	if err := appService.Initialize(cfgPath, opts...); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(-1)
	}

	if err := appService.Run(); err != nil {
		appService.GetLoggingClient().Error("Application run failed", "error", err)
		os.Exit(-1)
	}

	os.Exit(0)
}

// resolveConfigPath defaults to res/configuration.yaml next to the executable
func resolveConfigPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exe), "res", "configuration.yaml"), nil
}
