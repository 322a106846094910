// Package files reads and writes measurement snapshots as JSON or
// MessagePack documents, chosen by file extension.
package files

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrissnell/codacal/internal/coda"
)

// Formats
const (
	FormatJSON    = "json"
	FormatMsgPack = "msgpack"
)

// Document is the on-disk snapshot. ReferenceEvents and Sites are optional
// ground truth carried by synthetic snapshots.
type Document struct {
	Measurements    []coda.Measurement `json:"measurements"`
	ReferenceEvents map[string]float64 `json:"reference_events,omitempty"`
	Sites           map[string]float64 `json:"sites,omitempty"`
}

// FormatOf returns the format implied by path's extension
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".msgpack", ".mpk", ".mp":
		return FormatMsgPack, nil
	default:
		return "", fmt.Errorf("%s: unrecognized snapshot extension", path)
	}
}

// Source loads measurements from a snapshot file
type Source struct {
	Path string

	refs map[string]float64
}

// NewSource creates a Source for path
func NewSource(path string) *Source {
	return &Source{Path: path}
}

// Load reads the snapshot and returns its measurements in canonical order
func (s *Source) Load(ctx context.Context) ([]coda.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	s.refs = doc.ReferenceEvents
	return doc.Measurements, nil
}

// ReferenceEvents returns the reference magnitudes carried by the most
// recently loaded snapshot, if any.
func (s *Source) ReferenceEvents() map[string]float64 {
	return s.refs
}

// ReadFile decodes the snapshot at path
func ReadFile(path string) (*Document, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := Decode(bufio.NewReader(f), format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Decode reads a Document in the given format
func Decode(r io.Reader, format string) (*Document, error) {
	doc := &Document{}
	switch format {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(doc); err != nil {
			return nil, fmt.Errorf("decoding json snapshot: %w", err)
		}
	case FormatMsgPack:
		dec := msgpack.NewDecoder(r)
		dec.SetCustomStructTag("json")
		if err := dec.Decode(doc); err != nil {
			return nil, fmt.Errorf("decoding msgpack snapshot: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown snapshot format %q", format)
	}
	coda.SortMeasurements(doc.Measurements)
	return doc, nil
}

// WriteFile encodes doc to path, replacing any existing file
func WriteFile(path string, doc *Document) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := Encode(w, doc, format); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Encode writes doc in the given format
func Encode(w io.Writer, doc *Document, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatMsgPack:
		enc := msgpack.NewEncoder(w)
		enc.SetCustomStructTag("json")
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unknown snapshot format %q", format)
	}
}
