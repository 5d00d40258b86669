package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/worker"
)

// CursorHandler is the deferred-task name of one cursor page.
const CursorHandler = "denorm.cursor"

// Cursor propagates a request one page of targets per deferred task.
type Cursor struct {
	targets  Targets
	applier  Applier
	deferrer Deferrer
	pageSize int
	logger   *slog.Logger
}

// NewCursor creates the cursor strategy.
func NewCursor(targets Targets, applier Applier, deferrer Deferrer, opts ...Option) *Cursor {
	o := buildOptions(opts)
	return &Cursor{
		targets:  targets,
		applier:  applier,
		deferrer: deferrer,
		pageSize: o.pageSize,
		logger:   o.logger,
	}
}

// cursorTask is the payload of one page task. Totals accumulate across
// pages for the completion log.
type cursorTask struct {
	Request ir.PropagationRequest `json:"request"`
	Cursor  string                `json:"cursor,omitempty"`
	Pages   int                   `json:"pages,omitempty"`
	Applied int                   `json:"applied,omitempty"`
	Failed  int                   `json:"failed,omitempty"`
}

// Progress reports one page.
type Progress struct {
	Fetched int
	Applied int
	Failed  int
	Next    string // empty when this was the last page
}

// Start defers the first page of req.
func (c *Cursor) Start(ctx context.Context, req ir.PropagationRequest) error {
	return c.deferTask(ctx, cursorTask{Request: req})
}

// Handle runs one deferred page task.
func (c *Cursor) Handle(ctx context.Context, payload []byte) error {
	var task cursorTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return worker.Permanent(fmt.Errorf("decode cursor task: %w", err))
	}
	if err := task.Request.Validate(); err != nil {
		return worker.Permanent(fmt.Errorf("decode cursor task: %w", err))
	}
	if task.Request.Fields == nil {
		task.Request.Fields = ir.Object{}
	}
	_, err := c.step(ctx, task)
	return err
}

// Step processes the page of req's targets after cursor. A full page
// defers the next one. Targets that fail to save are skipped and counted.
func (c *Cursor) Step(ctx context.Context, req ir.PropagationRequest, cursor string) (Progress, error) {
	return c.step(ctx, cursorTask{Request: req, Cursor: cursor})
}

func (c *Cursor) step(ctx context.Context, task cursorTask) (Progress, error) {
	req := task.Request
	filter, err := TargetFilter(req)
	if err != nil {
		return Progress{}, err
	}
	page, err := c.targets.Query(ctx, req.TargetType, filter, task.Cursor, c.pageSize)
	if err != nil {
		return Progress{}, fmt.Errorf("cursor %s: %w", req.Tag, err)
	}

	p := Progress{Fetched: len(page.Records), Next: page.Next}
	for _, rec := range page.Records {
		if err := c.applier.SavePrecomputed(ctx, rec, req); err != nil {
			p.Failed++
			c.logger.Warn("denorm target skipped",
				"tag", req.Tag,
				"target", rec.Type,
				"target_id", rec.ID,
				"error", err)
			continue
		}
		p.Applied++
	}

	task.Pages++
	task.Applied += p.Applied
	task.Failed += p.Failed

	if p.Next != "" {
		task.Cursor = p.Next
		if err := c.deferTask(ctx, task); err != nil {
			return p, err
		}
		return p, nil
	}

	c.logger.Info("denorm cursor done",
		"tag", req.Tag,
		"pages", task.Pages,
		"applied", task.Applied,
		"failed", task.Failed)
	return p, nil
}

func (c *Cursor) deferTask(ctx context.Context, task cursorTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode cursor task %s: %w", task.Request.Tag, err)
	}
	if err := c.deferrer.Defer(ctx, CursorHandler, payload, 0); err != nil {
		return fmt.Errorf("defer cursor %s: %w", task.Request.Tag, err)
	}
	return nil
}
