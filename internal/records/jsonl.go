// SPDX-License-Identifier: MIT

package records

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadJSONL loads canonical play records from a JSONL stream, one record per
// line. Blank lines are skipped; a malformed line fails the whole load since
// a partial import would silently drop history.
func ReadJSONL(r io.Reader, schemaTag string) ([]PlayRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out []PlayRecord
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec PlayRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: decode play record: %w", line, err)
		}
		if rec.PlayedTime == "" {
			return nil, fmt.Errorf("line %d: play record has no playedTime", line)
		}
		if _, err := rec.PlayedAt(); err != nil {
			return nil, fmt.Errorf("line %d: invalid playedTime %q: %w", line, rec.PlayedTime, err)
		}
		rec.Canonicalize(schemaTag)
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return out, nil
}

// ReadJSONLFile loads canonical play records from a file.
func ReadJSONLFile(path, schemaTag string) ([]PlayRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open records file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	return ReadJSONL(f, schemaTag)
}
