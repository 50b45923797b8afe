package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/gustycube/spyder-dupefilter/internal/dedup"
)

// ReadRequests calls fn for every request in r. Each line is either a bare
// URL or a JSON request object. Blank lines and lines starting with # are
// skipped.
func ReadRequests(r io.Reader, fn func(*dedup.Request) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		req, err := ParseRequest(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if err := fn(req); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ParseRequest decodes a single input line.
func ParseRequest(line string) (*dedup.Request, error) {
	if !strings.HasPrefix(line, "{") {
		return &dedup.Request{Method: "GET", URL: line}, nil
	}
	var req dedup.Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if req.URL == "" {
		return nil, fmt.Errorf("request without url")
	}
	return &req, nil
}
