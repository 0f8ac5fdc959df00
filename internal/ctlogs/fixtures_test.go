package ctlogs

import (
	"encoding/base64"
	"testing"
)

// certWithSANB64 is a self-signed ECDSA P-256 certificate (generated with
// openssl) whose SAN carries three dNSName entries: "leaf.example.com"
// twice and "WWW.Leaf.Example.com." with mixed case and a trailing dot —
// exercising the extractor's lower-casing, trailing-dot stripping, and
// dedup behavior in one fixture.
const certWithSANB64 = "MIIBoDCCAUWgAwIBAgIUFSXDns5QpIlLFIs64xeJqqqzcBYwCgYIKoZIzj0EAwIwGzEZMBcGA1UEAwwQbGVhZi5leGFtcGxlLmNvbTAeFw0yNjA4MDYxMzA0NTRaFw0zNjA4MDMxMzA0NTRaMBsxGTAXBgNVBAMMEGxlYWYuZXhhbXBsZS5jb20wWTATBgcqhkjOPQIBBggqhkjOPQMBBwNCAAT62wCrL6DVEf79OEyCnGyaeDZf287BBHtCdfOYpwjeZK5NEK+cVombbB9qxqgGOssqV/Lj/1UkD7JtzBReCGWQo2cwZTBEBgNVHREEPTA7ghBsZWFmLmV4YW1wbGUuY29tghVXV1cuTGVhZi5FeGFtcGxlLmNvbS6CEGxlYWYuZXhhbXBsZS5jb20wHQYDVR0OBBYEFMYnSuWV8trKrpAGwg1NjvOrSdc5MAoGCCqGSM49BAMCA0kAMEYCIQCBnVAAHJ/jA5/9FhCxfn/Mw4Y7/xU49xUtHDVxv1KgBAIhAIrboyqlOkHKyCOu9DEwIBt/t9KtT34sh0O5TAiv4nq8"

// certCNOnlyB64 is a self-signed certificate with no SAN extension at
// all, exercising the Subject Common Name fallback path.
const certCNOnlyB64 = "MIIBPDCB4wIUY7IvFA/EZQ771sS3wr+Igj76ZBIwCgYIKoZIzj0EAwIwITEfMB0GA1UEAwwWY25mYWxsYmFjay5leGFtcGxlLmNvbTAeFw0yNjA4MDYxMzA0NTRaFw0zNjA4MDMxMzA0NTRaMCExHzAdBgNVBAMMFmNuZmFsbGJhY2suZXhhbXBsZS5jb20wWTATBgcqhkjOPQIBBggqhkjOPQMBBwNCAAT62wCrL6DVEf79OEyCnGyaeDZf287BBHtCdfOYpwjeZK5NEK+cVombbB9qxqgGOssqV/Lj/1UkD7JtzBReCGWQMAoGCCqGSM49BAMCA0gAMEUCIFlG/pvcbiLrGGBWeCsawV0cXSBBnG9vOuVkzXz00bWsAiEAplpHC/s44v5aPQ5FcJe72xY2f73NqWRfBEe8jTWyo4M="

func mustDecodeB64(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("fixture did not decode: %v", err)
	}
	return b
}

// x509LeafWithCert builds a well-formed x509_entry leaf_input wrapping
// der, the counterpart to x509LeafWithCertLen for tests that need a
// certificate that actually parses rather than a deliberately-empty one.
func x509LeafWithCert(der []byte) []byte {
	leaf := make([]byte, 15+len(der))
	leaf[10] = 0
	leaf[11] = 0 // x509 entry type
	leaf[12] = byte(len(der) >> 16)
	leaf[13] = byte(len(der) >> 8)
	leaf[14] = byte(len(der))
	copy(leaf[15:], der)
	return leaf
}
