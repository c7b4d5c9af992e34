package mc3e

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParsedAddress holds the parsed components of a Q-series device address.
type ParsedAddress struct {
	Family string // device family letters (D, W, M, ...)
	Number uint32 // numeric part of the address
	Ext    byte   // trailing extension character, 0 when absent
	HasBit bool
	Bit    uint8  // bit offset 0..15, valid when HasBit
	Raw    string // normalized form the address parses back from
}

// Accepted shapes: D100, W327C, W327C.6, W327C.A.
var addrPattern = regexp.MustCompile(`^([A-Z]+)(\d+)([A-Z])?(?:\.([0-9A-Z]))?$`)

// deviceCodes maps a device family to its two-character 3E ASCII code.
var deviceCodes = map[string]string{
	"D":  "D*",
	"W":  "W*",
	"M":  "M*",
	"X":  "X*",
	"Y":  "Y*",
	"B":  "B*",
	"R":  "R*",
	"L":  "L*",
	"F":  "F*",
	"V":  "V*",
	"ZR": "ZR",
	"SM": "SM",
	"SD": "SD",
	"TN": "TN",
	"CN": "CN",
	"SB": "SB",
	"SW": "SW",
}

// bitFamilies are device families whose points are single bits and are read
// with the bit-units subcommand.
var bitFamilies = map[string]bool{
	"X":  true,
	"Y":  true,
	"M":  true,
	"L":  true,
	"F":  true,
	"V":  true,
	"B":  true,
	"SM": true,
	"SB": true,
}

// IsBitFamily reports whether family addresses single-bit devices.
func IsBitFamily(family string) bool { return bitFamilies[family] }

// ParseAddress parses a device address string. Input is trimmed and
// upper-cased before matching, so "d100" and "D100" are the same address.
func ParseAddress(addr string) (*ParsedAddress, error) {
	norm := strings.ToUpper(strings.TrimSpace(addr))
	m := addrPattern.FindStringSubmatch(norm)
	if m == nil {
		return nil, fmt.Errorf("invalid device address %q", addr)
	}

	family := m[1]
	if _, ok := deviceCodes[family]; !ok {
		return nil, fmt.Errorf("unknown device family %q in %q", family, addr)
	}

	num, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("device number out of range in %q", addr)
	}

	p := &ParsedAddress{Family: family, Number: uint32(num), Raw: norm}
	if m[3] != "" {
		p.Ext = m[3][0]
	}
	if m[4] != "" {
		bit, err := parseBitChar(m[4][0])
		if err != nil {
			return nil, fmt.Errorf("%v in %q", err, addr)
		}
		p.HasBit = true
		p.Bit = bit
	}
	return p, nil
}

func parseBitChar(c byte) (uint8, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	}
	return 0, fmt.Errorf("invalid bit offset %q", string(c))
}

func bitChar(b uint8) byte {
	if b < 10 {
		return '0' + b
	}
	return 'A' + b - 10
}

// Format renders the address in its normalized string form. Parsing the
// result yields an equal ParsedAddress.
func (p *ParsedAddress) Format() string {
	var sb strings.Builder
	sb.WriteString(p.Family)
	sb.WriteString(strconv.FormatUint(uint64(p.Number), 10))
	if p.Ext != 0 {
		sb.WriteByte(p.Ext)
	}
	if p.HasBit {
		sb.WriteByte('.')
		sb.WriteByte(bitChar(p.Bit))
	}
	return sb.String()
}

// Plain reports whether the address may participate in a continuous run.
// Extension and bit suffixes force singleton reads.
func (p *ParsedAddress) Plain() bool { return p.Ext == 0 && !p.HasBit }

// DeviceText returns the device-number text placed in the wire frame: the
// numeric part with any extension character appended, unpadded.
func (p *ParsedAddress) DeviceText() string {
	s := strconv.FormatUint(uint64(p.Number), 10)
	if p.Ext != 0 {
		s += string(p.Ext)
	}
	return s
}

// ValidateAddress checks whether an address string parses.
func ValidateAddress(addr string) error {
	_, err := ParseAddress(addr)
	return err
}
