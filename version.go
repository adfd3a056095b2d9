package plcmodbus

// Version is overridden at build time with -ldflags "-X plc-modbus-go.Version=x.y.z".
var Version = "0.1.0"
