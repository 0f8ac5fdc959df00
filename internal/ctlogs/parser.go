package ctlogs

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	ctx509 "github.com/google/certificate-transparency-go/x509"
)

// ParseErrorKind classifies why the Certificate Parser rejected an entry.
type ParseErrorKind int

const (
	ErrLeafTooShort ParseErrorKind = iota
	ErrSkipped
	ErrUnknownEntryType
	ErrDerInvalid
	ErrBadBase64
	ErrExtraDataTooShort
)

// ParseError carries a classification plus, for DerInvalid, the
// underlying decode failure.
type ParseError struct {
	Kind  ParseErrorKind
	Cause error
}

func (e *ParseError) Error() string {
	msg := map[ParseErrorKind]string{
		ErrLeafTooShort:      "leaf input too short",
		ErrSkipped:           "precertificate parsing disabled",
		ErrUnknownEntryType:  "unknown entry type",
		ErrDerInvalid:        "invalid DER certificate",
		ErrBadBase64:         "invalid base64 payload",
		ErrExtraDataTooShort: "extra data too short",
	}[e.Kind]
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Cause }

func parseErr(kind ParseErrorKind, cause error) error {
	return &ParseError{Kind: kind, Cause: cause}
}

const (
	entryTypeX509    = 0
	entryTypePrecert = 1
)

// Parser is the pure, stateless Certificate Parser: it performs no I/O
// and is safe to call concurrently from any goroutine. It implements the
// manual byte-offset RFC 6962 Merkle-leaf disassembly rather than the
// higher-level ct.LeafEntryToCertInfo helper, so the wire layout the
// engine depends on is explicit and independently testable.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

// Parse implements the algorithm of spec §4.3 exactly: base64-decode
// leaf_input, read version/timestamp/entry_type by byte offset, extract
// the DER certificate (from leaf_input for x509_entry, from extra_data
// for precert_entry), and hand it to the DER extractor.
func (p *Parser) Parse(leafInputB64, extraDataB64 string, allowPrecerts bool) (ParsedCertificate, error) {
	leaf, err := base64.StdEncoding.DecodeString(leafInputB64)
	if err != nil {
		return ParsedCertificate{}, parseErr(ErrBadBase64, err)
	}
	if len(leaf) < 12 {
		return ParsedCertificate{}, parseErr(ErrLeafTooShort, nil)
	}

	// bytes 0: version, 1: merkle leaf type (both ignored beyond length
	// checks — the spec only requires they be present).
	timestampMs := binary.BigEndian.Uint64(leaf[2:10])
	entryType := binary.BigEndian.Uint16(leaf[10:12])

	var der []byte
	var isPrecert bool

	switch entryType {
	case entryTypeX509:
		if len(leaf) < 15 {
			return ParsedCertificate{}, parseErr(ErrLeafTooShort, nil)
		}
		certLen := uint32(leaf[12])<<16 | uint32(leaf[13])<<8 | uint32(leaf[14])
		end := 15 + int(certLen)
		if end > len(leaf) {
			end = len(leaf)
		}
		der = leaf[15:end]
		isPrecert = false

	case entryTypePrecert:
		if !allowPrecerts {
			return ParsedCertificate{}, parseErr(ErrSkipped, nil)
		}
		extra, err := base64.StdEncoding.DecodeString(extraDataB64)
		if err != nil {
			return ParsedCertificate{}, parseErr(ErrBadBase64, err)
		}
		if len(extra) < 3 {
			return ParsedCertificate{}, parseErr(ErrExtraDataTooShort, nil)
		}
		precertLen := uint32(extra[0])<<16 | uint32(extra[1])<<8 | uint32(extra[2])
		if uint32(len(extra)) < 3+precertLen {
			return ParsedCertificate{}, parseErr(ErrExtraDataTooShort, nil)
		}
		der = extra[3 : 3+precertLen]
		isPrecert = true

	default:
		return ParsedCertificate{}, parseErr(ErrUnknownEntryType, nil)
	}

	cert, err := extractCertFromDER(der, isPrecert)
	if err != nil {
		return ParsedCertificate{}, err
	}
	cert.LeafObserved = int64(timestampMs / 1000)
	return cert, nil
}

func extractCertFromDER(der []byte, isPrecert bool) (ParsedCertificate, error) {
	cert, err := ctx509.ParseCertificate(der)
	if err != nil {
		return ParsedCertificate{}, parseErr(ErrDerInvalid, err)
	}

	sum := sha256.Sum256(der)

	names := make([]string, 0, len(cert.DNSNames))
	seen := make(map[string]struct{}, len(cert.DNSNames))
	for _, n := range cert.DNSNames {
		n = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(n), "."))
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	if len(names) == 0 {
		if cn := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(cert.Subject.CommonName), ".")); cn != "" {
			names = append(names, cn)
		}
	}

	ips := make([]string, 0, len(cert.IPAddresses))
	for _, ip := range cert.IPAddresses {
		ips = append(ips, ip.String())
	}

	issuerCN := cert.Issuer.CommonName

	parsed := ParsedCertificate{
		DNSNames:    names,
		IPAddresses: ips,
		NotBefore:   cert.NotBefore.Unix(),
		NotAfter:    cert.NotAfter.Unix(),
		Fingerprint: hex.EncodeToString(sum[:]),
		IsPrecert:   isPrecert,
		IssuerCN:    issuerCN,
	}
	parsed.WeakKey, parsed.WeakSignature = weaknessOf(cert)
	return parsed, nil
}

// weaknessOf is informational only: it never causes Parse to fail or
// skip an entry, matching the requirement that the parser stay pure and
// total over well-formed DER.
func weaknessOf(cert *ctx509.Certificate) (weakKey, weakSig bool) {
	if cert.PublicKeyAlgorithm == ctx509.RSA {
		if pk, ok := cert.PublicKey.(*rsa.PublicKey); ok && pk.N.BitLen() < 2048 {
			weakKey = true
		}
	}
	switch cert.SignatureAlgorithm {
	case ctx509.MD2WithRSA, ctx509.MD5WithRSA, ctx509.SHA1WithRSA,
		ctx509.DSAWithSHA1, ctx509.ECDSAWithSHA1:
		weakSig = true
	}
	return
}
