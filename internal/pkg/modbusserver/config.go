package modbusserver

import (
	"plc-modbus-go/internal/pkg/config"
)

// EngineOptions tunes handler behaviour.
type EngineOptions struct {
	// ProtectThreshold rejects network writes to the threshold register.
	ProtectThreshold bool
	Identity         config.IdentityConfig
}

// deviceIdentity returns the identification objects indexed by object id.
func (o EngineOptions) deviceIdentity() map[byte]string {
	objects := map[byte]string{
		0x00: o.Identity.VendorName,
		0x01: o.Identity.ProductCode,
		0x02: o.Identity.Revision,
		0x03: o.Identity.VendorURL,
		0x04: o.Identity.ProductName,
		0x05: o.Identity.ModelName,
	}
	for id, v := range objects {
		if v == "" && id > 0x02 {
			delete(objects, id)
		}
	}
	return objects
}
