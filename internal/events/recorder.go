package events

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/orcflow/internal/db"
)

// Recorder persists run events and broadcasts the ones that were new.
type Recorder struct {
	store  *db.EngineDB
	pub    Publisher
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil publisher broadcasts nothing.
func NewRecorder(store *db.EngineDB, pub Publisher, logger *slog.Logger) *Recorder {
	if pub == nil {
		pub = NewNopPublisher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, pub: pub, logger: logger}
}

// Publisher returns the publisher events are broadcast on.
func (r *Recorder) Publisher() Publisher {
	return r.pub
}

// Record stores ev. When an event with the same key already exists for the
// run it returns false and nothing is broadcast.
func (r *Recorder) Record(ctx context.Context, ev Event) (bool, error) {
	rec := ev.Record()
	created, err := r.store.CreateEventIfAbsent(ctx, rec)
	if err != nil {
		return false, err
	}
	if !created {
		r.logger.Debug("event already recorded", "run_id", ev.RunID, "type", ev.Type, "key", ev.Key)
		return false, nil
	}
	ev.ID = rec.ID
	ev.Time = rec.CreatedAt
	r.pub.Publish(ev)
	return true, nil
}

// Emit records ev and logs instead of returning a failure. Event tracking
// never fails the operation that produced the event.
func (r *Recorder) Emit(ctx context.Context, ev Event) {
	if _, err := r.Record(ctx, ev); err != nil {
		r.logger.Warn("record event failed", "run_id", ev.RunID, "type", ev.Type, "error", err)
	}
}

// Broadcast publishes ev without persisting it.
func (r *Recorder) Broadcast(ev Event) {
	r.pub.Publish(ev)
}

// List returns a run's persisted events after afterID.
func (r *Recorder) List(ctx context.Context, runID string, afterID int64) ([]Event, error) {
	recs, err := r.store.ListEvents(ctx, runID, db.ListEventsOpts{AfterID: afterID})
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(recs))
	for _, rec := range recs {
		out = append(out, FromRecord(rec))
	}
	return out, nil
}
