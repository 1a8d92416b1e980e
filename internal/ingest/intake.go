package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/detectforge/responder/internal/alert"
)

// excerptLen bounds how much of a bad input line an error message repeats.
const excerptLen = 200

// Read parses alert documents from r. The stream may be a single JSON
// object, a JSON array, or newline-delimited JSON. Documents that fail to
// parse are returned as errors; everything that parsed cleanly is still
// returned.
func Read(r io.Reader) ([]*alert.Event, []error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, []error{fmt.Errorf("read alerts: %w", err)}
	}
	return Decode(data)
}

// FromFile reads alert documents from path, or from stdin when path is "-".
func FromFile(path string) ([]*alert.Event, []error) {
	if path == "-" || path == "" {
		return Read(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{fmt.Errorf("read alerts: %w", err)}
	}
	return Decode(data)
}

// Decode parses one input blob. Array input is detected by a leading "[";
// NDJSON by the presence of a newline, no leading "[", and a first non-empty
// line that parses as a JSON object. Anything else is treated as a single
// document, which keeps pretty-printed objects whole.
func Decode(data []byte) ([]*alert.Event, []error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, []error{errors.New("empty alert input")}
	}
	switch {
	case trimmed[0] == '[':
		return decodeArray(trimmed)
	case looksLikeLines(trimmed):
		return decodeLines(trimmed)
	default:
		ev, err := alert.Parse(trimmed)
		if err != nil {
			return nil, []error{err}
		}
		return []*alert.Event{ev}, nil
	}
}

func looksLikeLines(data []byte) bool {
	if !bytes.ContainsRune(data, '\n') {
		return false
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var doc map[string]any
		return json.Unmarshal(line, &doc) == nil
	}
	return false
}

func decodeArray(data []byte) ([]*alert.Event, []error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, []error{fmt.Errorf("decode alert array: %w", err)}
	}

	var events []*alert.Event
	var errs []error
	for i, item := range items {
		ev, err := alert.Parse(item)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

func decodeLines(data []byte) ([]*alert.Event, []error) {
	var events []*alert.Event
	var errs []error
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		ev, err := alert.Parse(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %v: %s", i+1, err, excerpt(line)))
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

func excerpt(line []byte) string {
	if len(line) > excerptLen {
		return string(line[:excerptLen])
	}
	return string(line)
}
