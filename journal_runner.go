package main

import (
	"context"
	"sync"
	"time"

	"paddlecourt/engine/internal/events"
	"paddlecourt/engine/internal/journal"
	"paddlecourt/engine/internal/logging"
)

const (
	journalRetryDelay    = time.Second
	journalPruneInterval = time.Hour
)

// journalRetention keeps about a week of segments; each process start opens a new one.
var journalRetention = journal.RetentionPolicy{MaxSegments: 64, MaxAge: 7 * 24 * time.Hour}

// journalRunner keeps the lifecycle outbox draining into the active segment and prunes old ones.
type journalRunner struct {
	writer *journal.Writer
	outbox *journal.Outbox
	log    *logging.Logger
	wg     sync.WaitGroup
}

func startJournal(ctx context.Context, dir string, source journal.Source, logger *logging.Logger) (*journalRunner, error) {
	writer, err := journal.OpenSegment(dir, time.Now)
	if err != nil {
		return nil, err
	}
	outbox, err := journal.NewOutbox(source, writer, logger)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	r := &journalRunner{
		writer: writer,
		outbox: outbox,
		log:    logger.With(logging.String("component", "journal"), logging.String("segment", writer.Path())),
	}
	r.prune(dir)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := writer.Close(); err != nil {
				r.log.Warn("journal close failed", logging.Error(err))
			}
		}()
		r.run(ctx, dir)
	}()
	r.log.Info("journal started")
	return r, nil
}

func (r *journalRunner) run(ctx context.Context, dir string) {
	pruneTicker := time.NewTicker(journalPruneInterval)
	defer pruneTicker.Stop()

	runs := make(chan error, 1)
	go func() { runs <- r.outbox.Run(ctx) }()
	for {
		select {
		case <-ctx.Done():
			<-runs
			return
		case <-pruneTicker.C:
			r.prune(dir)
		case err := <-runs:
			if ctx.Err() != nil {
				return
			}
			//1.- Resubscribing redelivers everything the failed run left unacknowledged.
			r.log.Warn("journal outbox stopped; retrying", logging.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(journalRetryDelay):
			}
			go func() { runs <- r.outbox.Run(ctx) }()
		}
	}
}

func (r *journalRunner) prune(dir string) {
	removed, err := journal.Prune(dir, r.writer.Path(), journalRetention, time.Now(), r.log)
	if err != nil {
		r.log.Warn("journal prune failed", logging.Error(err))
		return
	}
	if len(removed) > 0 {
		r.log.Info("journal segments pruned", logging.Int("removed", len(removed)))
	}
}

// Stats reports outbox progress.
func (r *journalRunner) Stats() journal.Stats { return r.outbox.Stats() }

// Wait blocks until the outbox has stopped and the segment is closed.
func (r *journalRunner) Wait() { r.wg.Wait() }

var _ journal.Source = (*events.Stream)(nil)
