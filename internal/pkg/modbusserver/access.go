package modbusserver

import (
	"fmt"
	"net"
	"strings"
)

// RequestClass groups function codes for access control.
type RequestClass uint8

const (
	ClassOther RequestClass = iota
	ClassRead
	ClassWrite
)

func (c RequestClass) String() string {
	switch c {
	case ClassRead:
		return "read"
	case ClassWrite:
		return "write"
	}
	return "other"
}

// classify maps a function code to its access class. Diagnostics mutate
// device state and are treated as writes.
func classify(fc uint8) RequestClass {
	switch fc {
	case fcReadCoils, fcReadDiscreteInputs, fcReadHoldingRegisters, fcReadInputRegisters, fcEncapsulatedInterface:
		return ClassRead
	case fcWriteSingleCoil, fcWriteSingleRegister, fcWriteMultipleCoils, fcWriteMultipleRegisters,
		fcReadWriteMultipleRegisters, fcDiagnostics:
		return ClassWrite
	}
	return ClassOther
}

// AccessPolicy holds optional source allow-lists per request class.
// A nil list allows every source.
type AccessPolicy struct {
	read  []*net.IPNet
	write []*net.IPNet
}

// NewAccessPolicy parses entries given as plain IPs or CIDR blocks.
func NewAccessPolicy(readAllow, writeAllow []string) (*AccessPolicy, error) {
	read, err := parseAllowList(readAllow)
	if err != nil {
		return nil, fmt.Errorf("read allow-list: %w", err)
	}
	write, err := parseAllowList(writeAllow)
	if err != nil {
		return nil, fmt.Errorf("write allow-list: %w", err)
	}
	return &AccessPolicy{read: read, write: write}, nil
}

func parseAllowList(entries []string) ([]*net.IPNet, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			_, n, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, err
			}
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid address %q", entry)
		}
		bits := 8 * net.IPv4len
		if ip.To4() == nil {
			bits = 8 * net.IPv6len
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

// Allowed reports whether source may issue a request of class c. Sources
// that are not IP endpoints, such as a serial line, are not filtered.
func (p *AccessPolicy) Allowed(c RequestClass, source string) bool {
	if p == nil {
		return true
	}
	var list []*net.IPNet
	switch c {
	case ClassRead:
		list = p.read
	case ClassWrite:
		list = p.write
	}
	if list == nil {
		return true
	}

	host := source
	if h, _, err := net.SplitHostPort(source); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return true
	}
	for _, n := range list {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
