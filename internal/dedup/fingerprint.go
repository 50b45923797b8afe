package dedup

import (
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"

	"github.com/gustycube/spyder-dupefilter/internal/canonical"
)

// Fingerprinter maps a request to the identifier stored by a filter. Equal
// work must map to equal fingerprints. Errors are returned to the caller of
// Seen unchanged.
type Fingerprinter func(r *Request) (string, error)

// URLFingerprint uses the raw request URL, without canonicalisation. It is
// the BloomFilter default.
func URLFingerprint(r *Request) (string, error) {
	return r.URL, nil
}

// RequestFingerprint hashes the method, canonical URL and body with SHA1 and
// returns the hex digest. It is the SetFilter default.
func RequestFingerprint(r *Request) (string, error) {
	return requestFingerprint(r, nil)
}

// NewRequestFingerprinter is RequestFingerprint that also hashes the values
// of the named headers, so requests differing only in those headers are
// treated as different work.
func NewRequestFingerprinter(headers ...string) Fingerprinter {
	names := make([]string, 0, len(headers))
	for _, h := range headers {
		names = append(names, http.CanonicalHeaderKey(strings.TrimSpace(h)))
	}
	sort.Strings(names)
	return func(r *Request) (string, error) {
		return requestFingerprint(r, names)
	}
}

func requestFingerprint(r *Request, headers []string) (string, error) {
	u, err := canonical.URL(r.URL)
	if err != nil {
		return "", err
	}
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	h := sha1.New()
	h.Write([]byte(method))
	h.Write([]byte(u))
	h.Write(r.Body)
	for _, name := range headers {
		values := r.Headers.Values(name)
		if len(values) == 0 {
			continue
		}
		h.Write([]byte(strings.ToLower(name)))
		for _, v := range values {
			h.Write([]byte(v))
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
