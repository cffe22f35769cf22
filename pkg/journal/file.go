package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/andrej220/remotectl/pkg/runbook"
)

const (
	indent = "    "
	prefix = ""
)

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

// FileWriter keeps reports private to the user: they carry command output.
type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o600)
}

// WriteJSONToFile persists data using the provided Serializer and Writer.
func WriteJSONToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("invalid filename: %w", os.ErrInvalid)
	}
	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// FileSink writes one JSON document per run and target into Dir.
type FileSink struct {
	Dir        string
	Serializer Serializer
	Writer     Writer
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{
		Dir:        dir,
		Serializer: JSONSerializer{Prefix: prefix, Indent: indent},
		Writer:     FileWriter{Overwrite: true},
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Filename is where r is written: <dir>/<run-id>_<target>.json, with
// characters such as ':' in host:port targets replaced.
func (s *FileSink) Filename(r runbook.Report) string {
	return filepath.Join(s.Dir, unsafeName.ReplaceAllString(r.Key(), "_")+".json")
}

func (s *FileSink) Record(_ context.Context, r runbook.Report) error {
	return WriteJSONToFile(Truncate(r, MaxOutputLines), s.Filename(r), s.Serializer, s.Writer)
}
