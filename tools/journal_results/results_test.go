package journalresults

import (
	"bytes"
	"testing"
	"time"

	"paddlecourt/engine/internal/events"
	"paddlecourt/engine/internal/journal"
)

func TestLoadPairsStartAndEnd(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	writer, err := journal.OpenSegment(dir, func() time.Time { return start })
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	ada := events.Participant{ID: 1, Name: "ada"}
	bob := events.Participant{ID: 2, Name: "bob"}
	envs := []*events.Envelope{
		{Sequence: 1, Kind: events.KindSessionStarted, Started: &events.SessionStarted{SessionID: 40, Mode: "ranked", Left: ada, Right: bob, StartedAt: start}},
		{Sequence: 2, Kind: events.KindSessionStarted, Started: &events.SessionStarted{SessionID: 41, Mode: "casual", Left: bob, Right: ada, StartedAt: start.Add(time.Minute)}},
		{Sequence: 3, Kind: events.KindSessionEnded, Ended: &events.SessionEnded{
			SessionID: 40, Mode: "ranked", Left: ada, Right: bob, WinnerSide: "left", Winner: ada,
			LeftScore: 11, RightScore: 4, Reason: "won", StartedAt: start, EndedAt: start.Add(5 * time.Minute),
		}},
	}
	for _, env := range envs {
		if err := writer.Append(env); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	results, err := Load(dir, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two sessions, got %d", len(results))
	}
	first := results[0]
	if first.SessionID != 40 || !first.Finished || first.Winner.Name != "ada" || first.LeftScore != 11 {
		t.Fatalf("unexpected finished result: %+v", first)
	}
	if second := results[1]; second.SessionID != 41 || second.Finished || second.Mode != "casual" {
		t.Fatalf("unexpected open result: %+v", second)
	}

	only, err := Load(dir, 41)
	if err != nil {
		t.Fatalf("Load filtered: %v", err)
	}
	if len(only) != 1 || only[0].SessionID != 41 {
		t.Fatalf("filter returned %+v", only)
	}
}

func TestFoldEndBeforeStartKeepsOutcome(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []journal.Record{
		{Event: &events.Envelope{Sequence: 1, Kind: events.KindSessionEnded, Ended: &events.SessionEnded{SessionID: 5, StartedAt: start, Reason: "forfeit"}}},
		{Event: &events.Envelope{Sequence: 9, Kind: events.KindSessionStarted, Started: &events.SessionStarted{SessionID: 5, StartedAt: start.Add(time.Hour)}}},
	}
	results := Fold(records, 0)
	if len(results) != 1 || !results[0].Finished || results[0].Reason != "forfeit" {
		t.Fatalf("unexpected fold: %+v", results)
	}
	if !results[0].StartedAt.Equal(start) {
		t.Fatalf("start overwritten: %v", results[0].StartedAt)
	}
}

func TestCompressedExportRoundTrips(t *testing.T) {
	results := []Result{{SessionID: 3, Mode: "ranked", Finished: true, LeftScore: 11}}
	var buf bytes.Buffer
	if err := Write(&buf, results, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	decoded, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(decoded) != 1 || decoded[0].SessionID != 3 || decoded[0].LeftScore != 11 {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}
