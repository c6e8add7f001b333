package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"paddlecourt/engine/internal/events"
	"paddlecourt/engine/internal/logging"
)

func fixedClock(at time.Time) func() time.Time { return func() time.Time { return at } }

func TestWriterRoundTripsThroughReader(t *testing.T) {
	dir := t.TempDir()
	writer, err := OpenSegment(dir, fixedClock(time.Unix(1700000000, 0)))
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}

	started := &events.Envelope{Sequence: 1, Kind: events.KindSessionStarted, Started: &events.SessionStarted{SessionID: 5, Mode: "ranked"}}
	ended := &events.Envelope{Sequence: 2, Kind: events.KindSessionEnded, Ended: &events.SessionEnded{SessionID: 5, Reason: "won", WinnerSide: "left", LeftScore: 5}}
	for _, env := range []*events.Envelope{started, ended} {
		if err := writer.Append(env); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if writer.Written() != 2 {
		t.Fatalf("expected 2 written, got %d", writer.Written())
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := writer.Append(started); err == nil {
		t.Fatal("expected append after close to fail")
	}

	records, err := ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if got := records[1].Event; got.Ended == nil || got.Ended.Reason != "won" || got.Ended.LeftScore != 5 {
		t.Fatalf("unexpected ended record: %+v", got)
	}
	if records[0].Event.SessionID() != 5 || !records[0].WrittenAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected started record: %+v", records[0])
	}
}

func TestOutboxPersistsAndAcknowledges(t *testing.T) {
	dir := t.TempDir()
	stream := events.NewStream(events.Config{})
	writer, err := OpenSegment(dir, nil)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	outbox, err := NewOutbox(stream, writer, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}

	//1.- Events published before the outbox subscribes are replayed to it.
	if _, err := stream.PublishSessionStarted(events.SessionStarted{SessionID: 9, Mode: "casual"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- outbox.Run(ctx) }()

	if _, err := stream.PublishSessionEnded(events.SessionEnded{SessionID: 9, Mode: "casual", Reason: "won", WinnerSide: "right"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for outbox.Stats().Written < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("outbox wrote %d events", outbox.Stats().Written)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	_ = writer.Close()

	stats := outbox.Stats()
	if stats.LastSequence != 2 || stats.Failed != 0 || stats.Segment != writer.Path() {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	records, err := ReadSegment(writer.Path())
	if err != nil || len(records) != 2 {
		t.Fatalf("expected 2 persisted records, got %d (%v)", len(records), err)
	}

	//2.- Both events were acknowledged, so a fresh subscriber under the same name sees nothing.
	sub, err := stream.Subscribe(context.Background(), SubscriberID, 4)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	select {
	case env := <-sub.Events():
		t.Fatalf("expected no redelivery, got %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOutboxStopsOnWriteFailure(t *testing.T) {
	stream := events.NewStream(events.Config{})
	writer, err := OpenSegment(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	_ = writer.Close()
	outbox, _ := NewOutbox(stream, writer, logging.NewTestLogger())

	_, _ = stream.PublishSessionStarted(events.SessionStarted{SessionID: 3, Mode: "ranked"})
	select {
	case err := <-runAsync(outbox):
		if err == nil {
			t.Fatal("expected write failure to end Run")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned")
	}
	if stats := outbox.Stats(); stats.Failed != 1 || stats.Written != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func runAsync(o *Outbox) <-chan error {
	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()
	return done
}

func TestPruneKeepsNewestSegments(t *testing.T) {
	dir := t.TempDir()
	names := []string{"lifecycle-a", "lifecycle-b", "lifecycle-c", "lifecycle-d"}
	now := time.Unix(1700000000, 0)
	for i, name := range names {
		path := filepath.Join(dir, name+SegmentSuffix)
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		mod := now.Add(-time.Duration(len(names)-i) * time.Hour)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644)

	active := filepath.Join(dir, "lifecycle-d"+SegmentSuffix)
	removed, err := Prune(dir, active, RetentionPolicy{MaxSegments: 2}, now, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removals, got %v", removed)
	}
	left, _ := Segments(dir)
	if len(left) != 2 || filepath.Base(left[0]) != "lifecycle-c"+SegmentSuffix || left[1] != active {
		t.Fatalf("unexpected remaining segments: %v", left)
	}

	//1.- Age limits remove anything older than MaxAge except the active segment.
	removed, err = Prune(dir, active, RetentionPolicy{MaxAge: 30 * time.Minute}, now, logging.NewTestLogger())
	if err != nil || len(removed) != 1 {
		t.Fatalf("expected the old non-active segment removed, got %v %v", removed, err)
	}
}
