// Package journalcatalog summarises the lifecycle journal segments found in a directory.
package journalcatalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"paddlecourt/engine/internal/events"
	"paddlecourt/engine/internal/journal"
)

// Entry describes one segment file.
type Entry struct {
	SegmentPath   string    `json:"segment_path"`
	Records       int       `json:"records"`
	Started       int       `json:"started"`
	Ended         int       `json:"ended"`
	FirstSequence uint64    `json:"first_sequence"`
	LastSequence  uint64    `json:"last_sequence"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
}

// List reads every segment under root, oldest first.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}
	segments, err := journal.Segments(root)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(segments))
	for _, path := range segments {
		records, err := journal.ReadSegment(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, summarise(path, records))
	}
	return entries, nil
}

func summarise(path string, records []journal.Record) Entry {
	entry := Entry{SegmentPath: path, Records: len(records)}
	for i, record := range records {
		//1.- Sequences restart with each process so the bounds are tracked per segment.
		seq := record.Event.Sequence
		if i == 0 || seq < entry.FirstSequence {
			entry.FirstSequence = seq
		}
		if seq > entry.LastSequence {
			entry.LastSequence = seq
		}
		if entry.From.IsZero() || record.WrittenAt.Before(entry.From) {
			entry.From = record.WrittenAt
		}
		if record.WrittenAt.After(entry.To) {
			entry.To = record.WrittenAt
		}
		switch record.Event.Kind {
		case events.KindSessionStarted:
			entry.Started++
		case events.KindSessionEnded:
			entry.Ended++
		}
	}
	return entry
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
