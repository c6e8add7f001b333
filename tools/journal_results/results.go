// Package journalresults rebuilds per-session outcomes from the lifecycle journal so results can
// be re-fed to a persistence collaborator after an outage.
package journalresults

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"paddlecourt/engine/internal/events"
	"paddlecourt/engine/internal/journal"
)

// Result is one session as seen by the journal.
type Result struct {
	SessionID  int64              `json:"sessionId"`
	Mode       string             `json:"mode"`
	Local      bool               `json:"local"`
	Left       events.Participant `json:"left"`
	Right      events.Participant `json:"right"`
	StartedAt  time.Time          `json:"startedAt"`
	EndedAt    time.Time          `json:"endedAt,omitempty"`
	Finished   bool               `json:"finished"`
	WinnerSide string             `json:"winnerSide,omitempty"`
	Winner     events.Participant `json:"winner,omitempty"`
	LeftScore  int                `json:"leftScore"`
	RightScore int                `json:"rightScore"`
	Reason     string             `json:"reason,omitempty"`
}

// Load folds every record under dir into results ordered by start time. A positive sessionID
// restricts the output to that session.
func Load(dir string, sessionID int64) ([]Result, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir is required")
	}
	records, err := journal.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	return Fold(records, sessionID), nil
}

// Fold pairs started and ended notifications by session id.
func Fold(records []journal.Record, sessionID int64) []Result {
	byID := make(map[int64]*Result)
	for _, record := range records {
		env := record.Event
		id := env.SessionID()
		if id <= 0 || (sessionID > 0 && id != sessionID) {
			continue
		}
		result, ok := byID[id]
		if !ok {
			result = &Result{SessionID: id}
			byID[id] = result
		}
		//1.- An end already carries everything a start would contribute.
		if started := env.Started; started != nil && !result.Finished {
			result.Mode = started.Mode
			result.Local = started.Local
			result.Left = started.Left
			result.Right = started.Right
			result.StartedAt = started.StartedAt
		}
		if ended := env.Ended; ended != nil {
			result.Mode = ended.Mode
			result.Local = ended.Local
			result.Left = ended.Left
			result.Right = ended.Right
			result.StartedAt = ended.StartedAt
			result.EndedAt = ended.EndedAt
			result.Finished = true
			result.WinnerSide = ended.WinnerSide
			result.Winner = ended.Winner
			result.LeftScore = ended.LeftScore
			result.RightScore = ended.RightScore
			result.Reason = ended.Reason
		}
	}

	out := make([]Result, 0, len(byID))
	for _, result := range byID {
		out = append(out, *result)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Write encodes results as indented JSON, zstd-compressed when compress is set.
func Write(w io.Writer, results []Result, compress bool) error {
	if !compress {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(encoder).Encode(results); err != nil {
		encoder.Close()
		return err
	}
	return encoder.Close()
}

// Read decodes a zstd-compressed export produced by Write.
func Read(r io.Reader) ([]Result, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	var results []Result
	if err := json.NewDecoder(decoder).Decode(&results); err != nil {
		return nil, err
	}
	return results, nil
}
