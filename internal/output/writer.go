package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gustycube/spyder-dupefilter/internal/dedup"
)

// Format represents the output format
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// Writer prints unique requests in the configured format
type Writer struct {
	format    Format
	w         io.Writer
	csvWriter *csv.Writer
	mu        sync.Mutex
	hasHeader bool
}

type batch struct {
	Worker   string          `json:"worker"`
	Key      string          `json:"key"`
	Requests []dedup.Request `json:"requests"`
}

type line struct {
	Worker string `json:"worker"`
	Key    string `json:"key"`
	dedup.Request
}

// NewWriter creates a new output writer. An empty format means json.
func NewWriter(format string, w io.Writer) (*Writer, error) {
	var f Format
	switch strings.ToLower(format) {
	case "json", "":
		f = FormatJSON
	case "jsonl", "ndjson":
		f = FormatJSONL
	case "csv":
		f = FormatCSV
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}

	writer := &Writer{
		format: f,
		w:      w,
	}
	if f == FormatCSV {
		writer.csvWriter = csv.NewWriter(w)
	}
	return writer, nil
}

// NewStdoutWriter creates a writer for stdout
func NewStdoutWriter(format string) (*Writer, error) {
	return NewWriter(format, os.Stdout)
}

// WriteRequests writes one batch of requests. json writes the batch as a
// single object, jsonl and csv write one record per request.
func (w *Writer) WriteRequests(worker, key string, reqs []dedup.Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.format {
	case FormatJSON:
		encoder := json.NewEncoder(w.w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(batch{Worker: worker, Key: key, Requests: reqs})

	case FormatJSONL:
		encoder := json.NewEncoder(w.w)
		for _, r := range reqs {
			if err := encoder.Encode(line{Worker: worker, Key: key, Request: r}); err != nil {
				return err
			}
		}
		return nil

	case FormatCSV:
		return w.writeCSV(worker, key, reqs)

	default:
		return fmt.Errorf("unsupported format: %s", w.format)
	}
}

func (w *Writer) writeCSV(worker, key string, reqs []dedup.Request) error {
	if !w.hasHeader {
		if err := w.csvWriter.Write([]string{"worker", "key", "method", "url", "body_bytes"}); err != nil {
			return err
		}
		w.hasHeader = true
	}
	for _, r := range reqs {
		method := r.Method
		if method == "" {
			method = "GET"
		}
		if err := w.csvWriter.Write([]string{worker, key, method, r.URL, strconv.Itoa(len(r.Body))}); err != nil {
			return err
		}
	}
	w.csvWriter.Flush()
	return w.csvWriter.Error()
}

// Flush flushes any buffered data
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.csvWriter != nil {
		w.csvWriter.Flush()
		return w.csvWriter.Error()
	}
	return nil
}
