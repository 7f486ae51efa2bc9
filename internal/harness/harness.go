package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/bookmarks/internal/bookmark"
	"github.com/roach88/bookmarks/internal/engine"
)

// Harness drives one engine through a scenario.
type Harness struct {
	engine *engine.Engine
	owner  string

	current  *engine.Subscription
	previous *engine.Subscription
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Create an engine whose automatic snapshot read never answers
//  2. Start it for the scenario owner
//  3. Deliver each step and check its expectations
//  4. Evaluate the final assertions
//
// An error is returned only when the scenario cannot be executed at all;
// failed expectations are reported on the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.DiscardHandler))
}

// RunWithLogger is Run with engine logs sent to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	opts := []engine.Option{engine.WithLogger(logger)}
	if scenario.MaxWarnings > 0 {
		opts = append(opts, engine.WithMaxWarnings(scenario.MaxWarnings))
	}

	h := &Harness{
		engine: engine.New(scriptedSnapshotter{}, opts...),
		owner:  scenario.Owner,
	}
	defer h.stopAll()

	ctx := context.Background()
	if err := h.start(ctx, scenario.Owner); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, i, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Source, err)
		}
		result.Trace = append(result.Trace, ev)
		if step.Expect != nil {
			for _, msg := range checkExpect(ev, step.Expect) {
				result.AddError(fmt.Sprintf("step %d (%s): %s", i, step.Source, msg))
			}
		}
	}

	for _, msg := range EvaluateAssertions(h.engine.View(), scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) start(ctx context.Context, owner string) error {
	sub, err := h.engine.Start(ctx, owner)
	if err != nil {
		return err
	}
	if h.current != nil {
		h.previous = h.current
	}
	h.current = sub
	return nil
}

func (h *Harness) stopAll() {
	for _, sub := range []*engine.Subscription{h.previous, h.current} {
		if sub != nil {
			sub.Stop()
		}
	}
}

func (h *Harness) execute(ctx context.Context, index int, step Step) (TraceEvent, error) {
	ev := TraceEvent{Step: index, Source: step.Source, Stale: step.Stale}
	if step.Record != nil {
		ev.ID = step.Record.ID
	}

	sub := h.current
	if step.Stale {
		sub = h.previous
	}
	if sub == nil && step.Source != SourceStart {
		return ev, fmt.Errorf("no subscription to deliver through")
	}

	switch step.Source {
	case SourceSnapshot:
		sub.OnSnapshotResolved(records(step.Records), stepError(step.Error))

	case SourceChange, SourceBroadcast, SourceOptimistic:
		kind, err := deliver(sub, step)
		if err != nil {
			return ev, err
		}
		if step.Source != SourceOptimistic {
			ev.Kind = kind.String()
		}

	case SourceRetry:
		answer := &snapshotAnswer{records: records(step.Records), err: stepError(step.Error)}
		answer.during = func() error {
			for _, live := range step.During {
				if _, err := deliver(sub, live); err != nil {
					return err
				}
			}
			return nil
		}
		if err := sub.RetrySnapshot(withAnswer(ctx, answer)); err != nil {
			ev.Error = err.Error()
		}
		if answer.duringErr != nil {
			return ev, answer.duringErr
		}

	case SourceStop:
		sub.Stop()
		if sub == h.current {
			h.previous, h.current = h.current, nil
		}

	case SourceStart:
		owner := step.Owner
		if owner == "" {
			owner = h.owner
		}
		if err := h.start(ctx, owner); err != nil {
			return ev, err
		}
	}

	view := h.engine.View()
	ev.Owner = view.Owner
	ev.Active = view.Active
	ev.State = view.State.String()
	ev.IDs = view.IDs()
	ev.Warnings = make([]string, len(view.Warnings))
	for i, w := range view.Warnings {
		ev.Warnings[i] = string(w.Code)
	}
	return ev, nil
}

// deliver hands one live event to sub.
func deliver(sub *engine.Subscription, step Step) (bookmark.Kind, error) {
	if step.Source == SourceOptimistic {
		sub.OnLocalOptimisticInsert(step.Record.Record())
		return bookmark.KindInsert, nil
	}
	kind, err := bookmark.ParseKind(step.Kind)
	if err != nil {
		return kind, err
	}
	if step.Source == SourceChange {
		sub.OnChangeEvent(kind, step.Record.Record())
	} else {
		sub.OnBroadcastEvent(kind, step.Record.Record())
	}
	return kind, nil
}

func checkExpect(ev TraceEvent, want *Expect) []string {
	var errs []string
	if want.IDs != nil && !slices.Equal(want.IDs, ev.IDs) {
		errs = append(errs, fmt.Sprintf("expected ids %v, got %v", want.IDs, ev.IDs))
	}
	if want.State != "" && want.State != ev.State {
		errs = append(errs, fmt.Sprintf("expected state %s, got %s", want.State, ev.State))
	}
	if want.Warnings != nil && *want.Warnings != len(ev.Warnings) {
		errs = append(errs, fmt.Sprintf("expected %d warnings, got %d", *want.Warnings, len(ev.Warnings)))
	}
	return errs
}

func records(specs []RecordSpec) []bookmark.Record {
	out := make([]bookmark.Record, len(specs))
	for i, s := range specs {
		out[i] = s.Record()
	}
	return out
}

func stepError(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

type snapshotAnswer struct {
	records []bookmark.Record
	err     error

	during    func() error
	duringErr error
}

type answerKey struct{}

func withAnswer(ctx context.Context, a *snapshotAnswer) context.Context {
	return context.WithValue(ctx, answerKey{}, a)
}

// scriptedSnapshotter answers reads that carry a scripted answer. The
// engine's own read on Start carries none and blocks until the
// subscription stops, so snapshot steps decide when Loading ends.
type scriptedSnapshotter struct{}

var _ engine.Snapshotter = scriptedSnapshotter{}

func (scriptedSnapshotter) FetchAll(ctx context.Context, _ string) ([]bookmark.Record, error) {
	if a, ok := ctx.Value(answerKey{}).(*snapshotAnswer); ok {
		if a.during != nil {
			a.duringErr = a.during()
		}
		return a.records, a.err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}
