package main

import (
	"fmt"

	app "plc-modbus-go"
	"plc-modbus-go/internal/pkg/startup"
)

const AppName = "plc-modbus-go"

func main() {
	fmt.Printf("Starting application: %s version %s\n", AppName, app.Version)
	startup.BootStrap(AppName, app.Version)
}
