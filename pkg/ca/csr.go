package ca

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	// IssuedValidity is the lifetime of every registration certificate.
	IssuedValidity = 365 * 24 * time.Hour
	// clockSkew backdates NotBefore so devices with slightly slow clocks
	// accept a freshly issued certificate.
	clockSkew = time.Minute
)

var (
	oidCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}

	// ErrNoCommonName is returned when the CSR subject has no CN attribute.
	ErrNoCommonName = errors.New("no common name in CSR subject")
	// ErrCommonNameNotUTF8 is returned when the CN is encoded as anything
	// other than an ASN.1 UTF8String.
	ErrCommonNameNotUTF8 = errors.New("no utf8string encoding in CN of CSR")
)

type attributeTypeAndValue struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue
}

// ParseCSR decodes a PEM encoded certificate signing request and verifies
// its self-signature.
func ParseCSR(data []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in CSR")
	}
	if block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST" {
		return nil, errors.Newf("PEM block is of type %s, not CERTIFICATE REQUEST", block.Type)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing CSR")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, errors.Wrap(err, "checking CSR signature")
	}
	return csr, nil
}

// CommonNameUTF8 returns the CN of the CSR subject. The raw subject is
// walked rather than csr.Subject because the value must have been encoded as
// a UTF8String; PrintableString and friends are rejected.
func CommonNameUTF8(csr *x509.CertificateRequest) (string, error) {
	var rdns []asn1.RawValue
	if rest, err := asn1.Unmarshal(csr.RawSubject, &rdns); err != nil {
		return "", errors.Wrap(err, "decoding CSR subject")
	} else if len(rest) != 0 {
		return "", errors.New("trailing data after CSR subject")
	}
	for _, rdn := range rdns {
		var atvs []attributeTypeAndValue
		if _, err := asn1.UnmarshalWithParams(rdn.FullBytes, &atvs, "set"); err != nil {
			return "", errors.Wrap(err, "decoding CSR subject attribute")
		}
		for _, atv := range atvs {
			if !atv.Type.Equal(oidCommonName) {
				continue
			}
			if atv.Value.Class != asn1.ClassUniversal || atv.Value.Tag != asn1.TagUTF8String {
				return "", errors.Wrapf(ErrCommonNameNotUTF8, "tag %d", atv.Value.Tag)
			}
			return string(atv.Value.Bytes), nil
		}
	}
	return "", ErrNoCommonName
}

// Normalize turns a CSR into the certificate template that is actually
// signed. Only the subject and public key are taken from the request;
// validity, key usage and CA status are fixed regardless of what was asked.
func Normalize(csr *x509.CertificateRequest, now time.Time) (*x509.Certificate, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	return &x509.Certificate{
		SerialNumber:          serial,
		RawSubject:            csr.RawSubject,
		Subject:               csr.Subject,
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(IssuedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}, nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "generating serial number")
	}
	return serial, nil
}
