package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"paddlecourt/engine/internal/events"
	"paddlecourt/engine/internal/logging"
)

// SubscriberID is the stream subscriber name used by the outbox.
const SubscriberID = "journal"

// Source is the part of the event stream the outbox consumes.
type Source interface {
	Subscribe(ctx context.Context, subscriberID string, buffer int) (*events.Subscription, error)
}

// Stats summarises outbox progress for monitoring endpoints.
type Stats struct {
	Written      int64
	Failed       int64
	LastSequence uint64
	LastWrite    time.Time
	Segment      string
}

// Outbox drains the lifecycle stream into a journal segment. Events are acknowledged only
// after they reach disk. A failed write ends Run; the next Run resubscribes and the stream
// redelivers everything still unacknowledged.
type Outbox struct {
	source Source
	writer *Writer
	logger *logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	stats Stats
}

// NewOutbox wires a stream source to a segment writer.
func NewOutbox(source Source, writer *Writer, logger *logging.Logger) (*Outbox, error) {
	if source == nil || writer == nil {
		return nil, errors.New("journal outbox requires a source and a writer")
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Outbox{
		source: source,
		writer: writer,
		logger: logger.With(logging.String("component", "journal")),
		now:    time.Now,
		stats:  Stats{Segment: writer.Path()},
	}, nil
}

// Run consumes events until ctx is cancelled, the subscription ends, or a write fails.
func (o *Outbox) Run(ctx context.Context) error {
	sub, err := o.source.Subscribe(ctx, SubscriberID, 64)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		case env := <-sub.Events():
			if env == nil {
				continue
			}
			//1.- Persist first, acknowledge second.
			if err := o.writer.Append(env); err != nil {
				o.record(env, err)
				o.logger.Error("journal append failed",
					logging.Error(err),
					logging.Int64("session_id", env.SessionID()),
				)
				return err
			}
			if err := sub.Ack(env.Sequence); err != nil {
				o.logger.Warn("journal ack rejected", logging.Error(err))
			}
			o.record(env, nil)
		}
	}
}

func (o *Outbox) record(env *events.Envelope, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.stats.Failed++
		return
	}
	o.stats.Written++
	o.stats.LastSequence = env.Sequence
	o.stats.LastWrite = o.now()
}

// Stats returns a copy of the outbox counters.
func (o *Outbox) Stats() Stats {
	if o == nil {
		return Stats{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}
