package bux

import "strings"

// ShortDigest truncates a "sha256:<hex>"-shaped or bare-hex digest string
// to a 12-character display form, the same width cmd/bux uses for VM IDs.
func ShortDigest(d string) string {
	const n = 12
	if i := strings.IndexByte(d, ':'); i >= 0 {
		d = d[i+1:]
	}
	if len(d) <= n {
		return d
	}
	return d[:n]
}
