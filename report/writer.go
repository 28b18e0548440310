package report

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// WriteJSON writes s to w as indented JSON.
func WriteJSON(w io.Writer, s *Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// SaveJSON writes s to path, replacing it atomically through a temporary
// file in the same directory.
func SaveJSON(path string, s *Summary) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := WriteJSON(f, s); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// PartialPath returns the path a report interrupted by a signal is saved
// to: "report.json" becomes "report_partial.json".
func PartialPath(path string) string {
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)] + "_partial" + ext
}

// JSONLWriter streams one CheckReport per line. It is safe for concurrent
// use.
type JSONLWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewJSONL writes lines to w.
func NewJSONL(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w}
}

// OpenJSONL appends lines to the file at path, creating it if needed.
func OpenJSONL(path string) (*JSONLWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLWriter{w: f, closer: f}, nil
}

// Write appends r as a single line.
func (j *JSONLWriter) Write(r CheckReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.w.Write(append(data, '\n'))
	return err
}

// Close closes the underlying file, if OpenJSONL opened one.
func (j *JSONLWriter) Close() error {
	if j == nil || j.closer == nil {
		return nil
	}
	return j.closer.Close()
}
