package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"

	"github.com/cockroachdb/errors"

	"github.com/zero-trust/vehicle-registration/pkg/identity"
)

// NewCSR builds a PEM certificate request for id signed by key. The CN is
// forced to a UTF8String; encoding/asn1 would otherwise pick
// PrintableString for a plain ASCII name and the server would reject it.
func NewCSR(id identity.VehicleIdentity, key crypto.Signer) ([]byte, error) {
	return newCSR(id.CommonName(), key)
}

func newCSR(commonName string, key crypto.Signer) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			Organization: []string{"Vehicle Manufacturer"},
			ExtraNames: []pkix.AttributeTypeAndValue{{
				Type: oidCommonName,
				Value: asn1.RawValue{
					Tag:   asn1.TagUTF8String,
					Bytes: []byte(commonName),
				},
			}},
		},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, errors.Wrap(err, "creating certificate request")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// NewKey generates a P-256 key suitable for a registration CSR.
func NewKey() (crypto.Signer, error) {
	return newKey()
}
