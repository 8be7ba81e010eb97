package audit

import (
	"bytes"
	"fmt"
	"os"

	"tradeguard/internal/domain"
)

// ReadFile parses an audit trail written by Writer and returns the events in
// file order.
//
// A crash mid-write can leave at most one incomplete trailing record, either
// an unterminated final line or a terminated final line that does not parse.
// ReadFile drops that record and reports it in the second return value (0 or
// 1). An unterminated final line is always dropped, even when its prefix
// happens to parse; a complete record always ends with the terminator. Any
// malformed record before the end of the file is corruption and returns an
// error alongside the events parsed so far.
func ReadFile(path string) ([]*domain.AuditEvent, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read audit trail %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, 0, nil
	}

	terminated := data[len(data)-1] == '\n'
	lines := bytes.Split(data, []byte{'\n'})
	if terminated {
		// Split leaves one empty slice after the final terminator.
		lines = lines[:len(lines)-1]
	}

	events := make([]*domain.AuditEvent, 0, len(lines))
	for i, line := range lines {
		last := i == len(lines)-1

		if last && !terminated {
			return events, 1, nil
		}

		var event domain.AuditEvent
		if err := json.Unmarshal(line, &event); err != nil {
			if last {
				return events, 1, nil
			}
			return events, 0, fmt.Errorf("corrupt audit record at line %d: %w", i+1, err)
		}
		events = append(events, &event)
	}
	return events, 0, nil
}
