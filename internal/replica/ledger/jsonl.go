package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// WriteJSONL writes entries to w, one JSON object per line.
func WriteJSONL(w io.Writer, entries []Entry) error {
	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("failed to encode entry %d (%s): %w", entries[i].ID, entries[i].Key(), err)
		}
	}
	return nil
}

// ReadJSONL parses a ledger export produced by WriteJSONL.
// Every entry is validated; the first invalid line aborts the read.
func ReadJSONL(r io.Reader) ([]Entry, error) {
	var entries []Entry
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var e Entry
		if err := decoder.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("invalid entry at line %d: %w", lineNum, err)
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}

	return entries, nil
}

// ReadJSONLFile opens path and reads it with ReadJSONL.
func ReadJSONLFile(path string) ([]Entry, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return ReadJSONL(file)
}
