package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/denorm/internal/detect"
	"github.com/roach88/denorm/internal/ir"
)

// SaveOption configures one save.
type SaveOption func(*saveOptions)

type saveOptions struct {
	actor       *ir.Actor
	force       bool
	skip        bool
	precomputed *ir.PropagationRequest
}

// WithActor names who is saving, for throttling.
func WithActor(a *ir.Actor) SaveOption {
	return func(o *saveOptions) {
		o.actor = a
	}
}

// WithForceRecompute recomputes every relation of a target, reloading
// every source, even when no relation key changed.
func WithForceRecompute() SaveOption {
	return func(o *saveOptions) {
		o.force = true
	}
}

// WithoutPropagation writes the record as is: no recompute, no change
// detection, no throttling, no requests.
func WithoutPropagation() SaveOption {
	return func(o *saveOptions) {
		o.skip = true
	}
}

func withPrecomputed(req ir.PropagationRequest) SaveOption {
	return func(o *saveOptions) {
		o.precomputed = &req
	}
}

func buildSaveOptions(opts []SaveOption) saveOptions {
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Save writes rec, keeping denormalized data consistent in both directions.
// A record without an ID is assigned one.
//
// A save rejected by a throttle fails with a *throttle.ThrottledError and
// writes nothing. A save whose record was written but whose propagation
// could not be queued fails with a RuntimeError (IsDispatchFailed).
func (e *Engine) Save(ctx context.Context, rec *ir.Record, opts ...SaveOption) error {
	o := buildSaveOptions(opts)

	if err := e.prepare(ctx, rec, o); err != nil {
		return err
	}
	affected, label, err := e.admit(ctx, rec, o)
	if err != nil {
		return err
	}

	if err := e.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("save %s %s: %w", rec.Type, rec.ID, err)
	}
	e.logger.Debug("record saved", "type", rec.Type, "id", rec.ID, "affected", len(affected))

	err = e.propagate(ctx, rec, affected, label, o)
	e.detector.Observe(rec)
	return err
}

// SavePrecomputed writes the values carried by req onto a target and saves
// it without loading the source. Strategies call it once per target.
func (e *Engine) SavePrecomputed(ctx context.Context, rec *ir.Record, req ir.PropagationRequest) error {
	err := e.Save(ctx, rec, withPrecomputed(req))
	if IsDepthExceeded(err) {
		e.logger.Error("denorm propagation dropped", "tag", req.Tag, "error", err)
		return nil
	}
	return err
}

// SaveBatchPrecomputed is SavePrecomputed for many targets, written in one
// transaction.
func (e *Engine) SaveBatchPrecomputed(ctx context.Context, recs []*ir.Record, req ir.PropagationRequest) error {
	o := buildSaveOptions([]SaveOption{withPrecomputed(req)})

	type pending struct {
		rec      *ir.Record
		affected []detect.Affected
		label    string
	}
	batch := make([]pending, 0, len(recs))
	kept := make([]*ir.Record, 0, len(recs))

	for _, rec := range recs {
		if err := e.prepare(ctx, rec, o); err != nil {
			return err
		}
		affected, label, err := e.admit(ctx, rec, o)
		if err != nil {
			e.logger.Warn("denorm target skipped", "tag", req.Tag, "target_id", rec.ID, "error", err)
			continue
		}
		batch = append(batch, pending{rec, affected, label})
		kept = append(kept, rec)
	}

	if err := e.store.PutBatch(ctx, kept); err != nil {
		return fmt.Errorf("save batch %s: %w", req.Tag, err)
	}

	var errs []error
	for _, p := range batch {
		err := e.propagate(ctx, p.rec, p.affected, p.label, o)
		if IsDepthExceeded(err) {
			e.logger.Error("denorm propagation dropped", "tag", req.Tag, "error", err)
			err = nil
		}
		if err != nil {
			errs = append(errs, err)
		}
		e.detector.Observe(p.rec)
	}
	return errors.Join(errs...)
}

// prepare validates rec, assigns its ID and brings its denormalized fields
// up to date.
func (e *Engine) prepare(ctx context.Context, rec *ir.Record, o saveOptions) error {
	if _, ok := e.graph.Schema().Model(rec.Type); !ok {
		return &RuntimeError{Code: ErrCodeUnknownType, Message: "type not in schema", Type: rec.Type, ID: rec.ID}
	}
	if rec.ID == "" {
		rec.ID = e.ids.Generate()
	}
	if o.skip || !e.graph.IsTarget(rec.Type) {
		return nil
	}

	if o.precomputed != nil {
		if err := e.detector.ApplyPrecomputed(rec, *o.precomputed); err != nil {
			return &RuntimeError{Code: ErrCodeDenormFailed, Message: "apply precomputed values", Type: rec.Type, ID: rec.ID, Err: err}
		}
	} else {
		rebuilt, err := e.detector.Recompute(ctx, rec, o.force)
		if err != nil {
			return &RuntimeError{Code: ErrCodeDenormFailed, Message: "recompute", Type: rec.Type, ID: rec.ID, Err: err}
		}
		if len(rebuilt) > 0 {
			e.logger.Debug("denorm recomputed", "type", rec.Type, "id", rec.ID, "relations", rebuilt)
		}
	}

	if e.postDenorm != nil {
		if err := e.postDenorm(ctx, rec); err != nil {
			return &RuntimeError{Code: ErrCodeDenormFailed, Message: "post-denorm hook", Type: rec.Type, ID: rec.ID, Err: err}
		}
	}
	return nil
}

// admit diffs a source save and passes it through the throttle gate.
// Saves applying precomputed values are never throttled: the change that
// started the cascade was admitted already.
func (e *Engine) admit(ctx context.Context, rec *ir.Record, o saveOptions) ([]detect.Affected, string, error) {
	if o.skip {
		return nil, "", nil
	}
	affected := e.detector.SourceChanges(rec)
	if len(affected) == 0 {
		return nil, "", nil
	}
	if o.precomputed != nil {
		return affected, "", nil
	}
	label, err := e.gate.Admit(ctx, rec, o.actor)
	if err != nil {
		return nil, "", fmt.Errorf("save %s %s: %w", rec.Type, rec.ID, err)
	}
	return affected, label, nil
}

// propagate queues requests for a written source save and records the
// throttle admission.
func (e *Engine) propagate(ctx context.Context, rec *ir.Record, affected []detect.Affected, label string, o saveOptions) error {
	if len(affected) == 0 {
		return nil
	}

	depth := 0
	if o.precomputed != nil {
		depth = o.precomputed.Depth
	}
	if err := checkDepth(rec.Type, rec.ID, depth, e.maxDepth); err != nil {
		return err
	}

	reqs, err := e.dispatcher.Dispatch(ctx, rec, affected, depth)
	if len(reqs) > 0 {
		if rerr := e.gate.Record(ctx, rec, label); rerr != nil {
			e.logger.Warn("throttle record failed", "type", rec.Type, "id", rec.ID, "error", rerr)
		}
	}
	if err != nil {
		return &RuntimeError{Code: ErrCodeDispatchFailed, Message: "queue propagation", Type: rec.Type, ID: rec.ID, Err: err}
	}
	return nil
}
