package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// Subscription is the handle for one Start. It owns the goroutines that
// read the snapshot and the live streams, and the queue that serializes
// their events into the engine.
//
// Handlers on a Subscription that has been stopped, or superseded by a
// later Start, are no-ops.
type Subscription struct {
	engine *Engine
	gen    uint64
	owner  string

	ctx    context.Context
	cancel context.CancelFunc
	queue  *eventQueue

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	// Guarded by engine.mu. Deletes applied while a retry read is in
	// flight; that read may predate them.
	retries      int
	retryDeletes map[string]struct{}
}

// Owner returns the owner this subscription is bound to.
func (s *Subscription) Owner() string {
	return s.owner
}

// Generation returns the token that tags every event of this subscription.
func (s *Subscription) Generation() uint64 {
	return s.gen
}

// Done is closed once every goroutine started for this subscription has
// exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// OnSnapshotResolved applies the result of a snapshot read. A non-nil err
// still moves the engine to Ready with an empty view and a warning.
func (s *Subscription) OnSnapshotResolved(records []bookmark.Record, err error) {
	s.engine.apply(s.gen, Event{
		Type:    EventTypeSnapshot,
		Records: records,
		Source:  bookmark.SourceSnapshot,
		Err:     err,
	})
}

// OnChangeEvent applies one change feed notification.
func (s *Subscription) OnChangeEvent(kind bookmark.Kind, r bookmark.Record) {
	s.engine.apply(s.gen, Event{
		Type:   EventTypeChange,
		Kind:   kind,
		Record: r,
		Source: bookmark.SourceChangeFeed,
	})
}

// OnBroadcastEvent applies one broadcast message.
func (s *Subscription) OnBroadcastEvent(kind bookmark.Kind, r bookmark.Record) {
	s.engine.apply(s.gen, Event{
		Type:   EventTypeBroadcast,
		Kind:   kind,
		Record: r,
		Source: bookmark.SourceBroadcast,
	})
}

// OnLocalOptimisticInsert applies a record the caller has just persisted,
// before either live source echoes it back.
func (s *Subscription) OnLocalOptimisticInsert(r bookmark.Record) {
	s.engine.apply(s.gen, Event{
		Type:   EventTypeOptimistic,
		Kind:   bookmark.KindInsert,
		Record: r,
		Source: bookmark.SourceOptimistic,
	})
}

// RetrySnapshot reads the snapshot again and merges it into the view.
// Live events applied in the meantime are kept, and rows deleted while
// the read was in flight are not brought back.
func (s *Subscription) RetrySnapshot(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("retry snapshot for %s: %w", s.owner, s.ctx.Err())
	}
	if !s.engine.beginRetry(s) {
		return fmt.Errorf("retry snapshot for %s: %w", s.owner, ErrSubscriptionStopped)
	}
	records, err := s.engine.snapshots.FetchAll(ctx, s.owner)
	s.engine.finishRetry(s, records, err)
	if err != nil {
		return fmt.Errorf("retry snapshot for %s: %w", s.owner, NewSnapshotError(s.owner, err))
	}
	return nil
}

// Stop cancels every acquisition made by Start. Events already in flight
// are dropped. Safe to call more than once and from any goroutine.
//
// Stopping a superseded subscription never touches the engine's current
// binding.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		current := s.engine.stopGeneration(s)
		s.cancel()
		s.queue.Close()
		if current {
			s.engine.logger.Info("subscription stopped",
				"owner", s.owner,
				"generation", s.gen,
			)
			s.engine.notify()
		}
	})
}

func (s *Subscription) launch() {
	e := s.engine

	s.wg.Add(2)
	go s.run()
	go s.fetchSnapshot()

	if e.changes != nil {
		s.wg.Add(1)
		go s.pump(EventTypeChange, bookmark.SourceChangeFeed, func(ctx context.Context) (bookmark.Stream, error) {
			return e.changes.SubscribeChanges(ctx, e.collection, bookmark.OwnerFilter(s.owner))
		})
	}
	if e.broadcasts != nil {
		s.wg.Add(1)
		go s.pump(EventTypeBroadcast, bookmark.SourceBroadcast, func(ctx context.Context) (bookmark.Stream, error) {
			return e.broadcasts.Subscribe(ctx, Topic(s.owner))
		})
	}

	go func() {
		s.wg.Wait()
		close(s.done)
	}()
}

// run drains the queue into the engine. CRITICAL: the only goroutine
// applying queued events for this subscription.
func (s *Subscription) run() {
	defer s.wg.Done()

	for {
		if ev, ok := s.queue.TryDequeue(); ok {
			s.engine.apply(s.gen, ev)
			continue
		}

		select {
		case <-s.ctx.Done():
			s.Stop()
			return

		case <-s.queue.Wait():
			// The signal channel closes with the queue.
			if s.queue.Closed() {
				return
			}
		}
	}
}

func (s *Subscription) fetchSnapshot() {
	defer s.wg.Done()

	records, err := s.engine.snapshots.FetchAll(s.ctx, s.owner)
	if s.ctx.Err() != nil {
		return
	}
	s.queue.Enqueue(Event{
		Type:    EventTypeSnapshot,
		Records: records,
		Source:  bookmark.SourceSnapshot,
		Err:     err,
	})
}

// pump forwards one live stream into the queue until the subscription is
// stopped. A stream that fails to open or ends on its own is reported once
// as a subscription failure.
func (s *Subscription) pump(typ EventType, source bookmark.Source, open func(context.Context) (bookmark.Stream, error)) {
	defer s.wg.Done()

	stream, err := open(s.ctx)
	if err != nil {
		s.streamFailed(source, err)
		return
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			s.engine.logger.Debug("closing stream", "source", source, "error", cerr)
		}
	}()

	events := stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				err := stream.Err()
				if err == nil {
					err = ErrStreamEnded
				}
				s.streamFailed(source, err)
				return
			}
			if ev.Source == "" {
				ev.Source = source
			}
			s.queue.Enqueue(Event{
				Type:   typ,
				Kind:   ev.Kind,
				Record: ev.Record,
				Source: ev.Source,
			})
		}
	}
}

func (s *Subscription) streamFailed(source bookmark.Source, err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.queue.Enqueue(Event{
		Type:   EventTypeStreamFailed,
		Source: source,
		Err:    err,
	})
}
