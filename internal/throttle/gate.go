package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/denorm/internal/graph"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/store"
)

// Log is the append-only record of admitted saves. *store.Store satisfies it.
type Log interface {
	AppendThrottle(ctx context.Context, rec store.ThrottleRecord) error
	CountThrottle(ctx context.Context, label string, since time.Time) (int, error)
}

// Gate enforces "N per window" limits on source saves that would trigger
// propagation. Counting is per label, where a label normally names a
// (source type, actor) pair.
type Gate struct {
	graph  *graph.Graph
	log    Log
	clock  ir.Clock
	logger *slog.Logger
}

// New creates a gate.
func New(g *graph.Graph, log Log, clock ir.Clock, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{graph: g, log: log, clock: clock, logger: logger}
}

// Label returns the throttle label for a save of rec by actor. An empty
// label means the save is not throttled.
//
// Privileged actors are never labelled. Otherwise a configured label
// function decides, receiving a nil actor when none is known; without one
// the label is sourceType_actorID, and an unknown actor is not throttled.
func (g *Gate) Label(rec *ir.Record, actor *ir.Actor) string {
	src, ok := g.graph.Source(rec.Type)
	if !ok {
		return ""
	}
	if actor != nil && actor.Privileged {
		return ""
	}
	if actor != nil && actor.ID == "" {
		actor = nil
	}
	if src.Label != nil {
		return src.Label(rec, actor)
	}
	if actor == nil {
		return ""
	}
	return rec.Type + "_" + actor.ID
}

// Admit checks every throttle of rec's type and returns the label to
// record on success. It fails with a *ThrottledError when a window is full;
// the caller must then neither enqueue nor record.
func (g *Gate) Admit(ctx context.Context, rec *ir.Record, actor *ir.Actor) (string, error) {
	label := g.Label(rec, actor)
	if label == "" {
		return "", nil
	}
	src, _ := g.graph.Source(rec.Type)

	now := g.clock.Now()
	for _, rate := range src.Throttles {
		count, err := g.log.CountThrottle(ctx, label, now.Add(-rate.Window))
		if err != nil {
			return "", fmt.Errorf("throttle %s: %w", label, err)
		}
		if count >= rate.Count {
			g.logger.Info("denorm save throttled",
				"label", label,
				"rate", rate.Spec,
				"count", count,
				"source", rec.Type,
				"source_id", rec.ID)
			return "", &ThrottledError{Label: label, Rate: rate, Count: count}
		}
	}
	return label, nil
}

// Record appends one throttle record for an admitted save. It is called
// once per save that produced propagation work, label or not.
func (g *Gate) Record(ctx context.Context, rec *ir.Record, label string) error {
	err := g.log.AppendThrottle(ctx, store.ThrottleRecord{
		SourceType: rec.Type,
		SourceID:   rec.ID,
		Label:      label,
		CreatedAt:  g.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("record throttle %s: %w", label, err)
	}
	return nil
}

// ThrottledError is returned when a save would exceed a throttle.
//
// The save is aborted before anything is written, so retrying later is
// always safe.
type ThrottledError struct {
	Label string     // The label whose window is full
	Rate  graph.Rate // The rate that was exceeded
	Count int        // Admissions counted in the window
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled: %s reached %s (%d in window)", e.Label, e.Rate.Spec, e.Count)
}

// IsThrottled returns true if err is or wraps a ThrottledError.
func IsThrottled(err error) bool {
	var te *ThrottledError
	return errors.As(err, &te)
}
