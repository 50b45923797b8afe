package queue

import (
	"errors"
	"strings"
	"testing"

	"github.com/gustycube/spyder-dupefilter/internal/dedup"
)

func TestReadRequests(t *testing.T) {
	input := `# seeds
http://example.com/a

{"method":"POST","url":"http://example.com/form","body":"aWQ9MQ=="}
  http://example.com/b  
`
	var got []*dedup.Request
	err := ReadRequests(strings.NewReader(input), func(r *dedup.Request) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(got))
	}
	if got[0].Method != "GET" || got[0].URL != "http://example.com/a" {
		t.Errorf("unexpected first request: %+v", got[0])
	}
	if got[1].Method != "POST" || string(got[1].Body) != "id=1" {
		t.Errorf("unexpected json request: %+v", got[1])
	}
	if got[2].URL != "http://example.com/b" {
		t.Errorf("expected trimmed url, got %q", got[2].URL)
	}
}

func TestReadRequests_Errors(t *testing.T) {
	err := ReadRequests(strings.NewReader("http://a\n{\"method\":\"GET\"}\n"), func(*dedup.Request) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected line 2 error, got %v", err)
	}

	stop := errors.New("stop")
	err = ReadRequests(strings.NewReader("http://a\nhttp://b\n"), func(*dedup.Request) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("expected callback error, got %v", err)
	}
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		line    string
		wantURL string
		wantErr bool
	}{
		{"http://example.com", "http://example.com", false},
		{`{"url":"http://example.com/x"}`, "http://example.com/x", false},
		{`{"url":`, "", true},
		{`{}`, "", true},
	}
	for _, tt := range tests {
		r, err := ParseRequest(tt.line)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRequest(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			continue
		}
		if err == nil && r.URL != tt.wantURL {
			t.Errorf("ParseRequest(%q) url = %q, want %q", tt.line, r.URL, tt.wantURL)
		}
	}
}
