// Package identity extracts the vehicle identity carried in certificate
// Common Names of the form "VIN:<vin> DEVICE:<device-id>".
package identity

import (
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	vinTag    = "VIN:"
	deviceTag = "DEVICE:"
	cnPrefix  = "CN="
)

var (
	// ErrIdentityNotFound is returned when the VIN or DEVICE token is missing.
	ErrIdentityNotFound = errors.New("VIN or device id not found in common name")
	// ErrNoCommonName is returned when a distinguished name has no CN component.
	ErrNoCommonName = errors.New("no CN found in distinguished name")
)

// VehicleIdentity identifies one device of one vehicle. Two identities are
// equal only if both fields match exactly.
type VehicleIdentity struct {
	VIN      string
	DeviceID string
}

// Equal reports whether both identifiers match.
func (v VehicleIdentity) Equal(other VehicleIdentity) bool {
	return v == other
}

// CommonName renders the identity in the form ParseCN accepts.
func (v VehicleIdentity) CommonName() string {
	return vinTag + v.VIN + " " + deviceTag + v.DeviceID
}

func (v VehicleIdentity) String() string {
	return v.CommonName()
}

// ParseCN reads the VIN and DEVICE tokens from a bare Common Name. Tokens are
// whitespace separated and may appear in any order; unknown tokens are
// ignored. Values are taken verbatim after the tag.
func ParseCN(cn string) (VehicleIdentity, error) {
	var (
		id                  VehicleIdentity
		haveVIN, haveDevice bool
	)
	for _, part := range strings.Fields(cn) {
		if v, ok := strings.CutPrefix(part, vinTag); ok {
			id.VIN, haveVIN = v, true
		} else if d, ok := strings.CutPrefix(part, deviceTag); ok {
			id.DeviceID, haveDevice = d, true
		}
	}
	if !haveVIN || !haveDevice {
		return VehicleIdentity{}, errors.Wrapf(ErrIdentityNotFound, "common name %q", cn)
	}
	return id, nil
}

// ParseDN finds the first CN attribute of an RFC 2253 distinguished name, as
// produced by pkix.Name.String, and parses its unescaped value with ParseCN.
// Separators escaped with a backslash belong to the value they appear in.
func ParseDN(dn string) (VehicleIdentity, error) {
	for _, attr := range splitAttributes(dn) {
		if cn, ok := strings.CutPrefix(strings.TrimLeft(attr, " "), cnPrefix); ok {
			return ParseCN(unescapeValue(cn))
		}
	}
	return VehicleIdentity{}, errors.Wrapf(ErrNoCommonName, "distinguished name %q", dn)
}

// splitAttributes splits dn on the RDN separator ',' and the multi-valued
// RDN separator '+', skipping any byte that follows a backslash.
func splitAttributes(dn string) []string {
	var (
		attrs []string
		start int
	)
	for i := 0; i < len(dn); i++ {
		switch dn[i] {
		case '\\':
			i++
		case ',', '+':
			attrs = append(attrs, dn[start:i])
			start = i + 1
		}
	}
	return append(attrs, dn[start:])
}

// unescapeValue resolves "\c" and "\XX" hex pair escapes. A dangling
// backslash is kept as is.
func unescapeValue(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' || i+1 == len(v) {
			b.WriteByte(v[i])
			continue
		}
		if i+2 < len(v) {
			if hi, ok := fromHex(v[i+1]); ok {
				if lo, ok := fromHex(v[i+2]); ok {
					b.WriteByte(hi<<4 | lo)
					i += 2
					continue
				}
			}
		}
		b.WriteByte(v[i+1])
		i++
	}
	return b.String()
}

func fromHex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
