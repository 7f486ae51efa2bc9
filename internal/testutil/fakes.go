package testutil

import (
	"context"
	"sync"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// FakeStream is an in-memory bookmark.Stream driven by the test.
//
// The test plays the transport: Send delivers an event, Fail ends the
// stream with an error, End ends it cleanly. Close is called by the
// consumer.
type FakeStream struct {
	Name      string
	Predicate bookmark.Predicate

	mu        sync.RWMutex
	events    chan bookmark.Event
	err       error
	ended     bool
	closed    chan struct{}
	closeOnce sync.Once
}

// NewFakeStream creates a stream with a small delivery buffer.
func NewFakeStream(name string, p bookmark.Predicate) *FakeStream {
	return &FakeStream{
		Name:      name,
		Predicate: p,
		events:    make(chan bookmark.Event, 64),
		closed:    make(chan struct{}),
	}
}

// Events implements bookmark.Stream.
func (s *FakeStream) Events() <-chan bookmark.Event {
	return s.events
}

// Err implements bookmark.Stream.
func (s *FakeStream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Close implements bookmark.Stream.
func (s *FakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed is closed once the consumer has called Close.
func (s *FakeStream) Closed() <-chan struct{} {
	return s.closed
}

// Send delivers an event. Events rejected by the predicate are dropped the
// way a filtering transport would. Returns false once the stream has ended
// or the consumer has closed it.
func (s *FakeStream) Send(kind bookmark.Kind, r bookmark.Record) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ended {
		return false
	}
	if !s.Predicate.Match(r) {
		return true
	}
	select {
	case s.events <- bookmark.Event{Kind: kind, Record: r}:
		return true
	case <-s.closed:
		return false
	}
}

// Fail ends the stream with err.
func (s *FakeStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.events)
}

// End ends the stream without an error.
func (s *FakeStream) End() {
	s.Fail(nil)
}

// FakeFeed implements both engine.ChangeFeed and engine.Broadcaster by
// handing out FakeStreams.
type FakeFeed struct {
	mu      sync.Mutex
	openErr error
	streams []*FakeStream
	opened  chan *FakeStream
}

// NewFakeFeed creates a feed that hands out streams on demand.
func NewFakeFeed() *FakeFeed {
	return &FakeFeed{opened: make(chan *FakeStream, 16)}
}

// FailOpen makes every later subscribe call return err.
func (f *FakeFeed) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// Opened delivers each stream as it is handed out.
func (f *FakeFeed) Opened() <-chan *FakeStream {
	return f.opened
}

// Streams returns every stream handed out so far.
func (f *FakeFeed) Streams() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeStream, len(f.streams))
	copy(out, f.streams)
	return out
}

// SubscribeChanges implements engine.ChangeFeed.
func (f *FakeFeed) SubscribeChanges(_ context.Context, collection string, p bookmark.Predicate) (bookmark.Stream, error) {
	return f.open(collection, p)
}

// Subscribe implements engine.Broadcaster.
func (f *FakeFeed) Subscribe(_ context.Context, topic string) (bookmark.Stream, error) {
	return f.open(topic, nil)
}

func (f *FakeFeed) open(name string, p bookmark.Predicate) (bookmark.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := NewFakeStream(name, p)
	f.streams = append(f.streams, s)
	select {
	case f.opened <- s:
	default:
	}
	return s, nil
}

// FakeSnapshotter implements engine.Snapshotter over an in-memory map.
//
// Hold makes later reads block until Release, which lets a test deliver
// live events while the engine is still Loading.
type FakeSnapshotter struct {
	mu      sync.Mutex
	records map[string][]bookmark.Record
	err     error
	gate    chan struct{}
	calls   []string
}

// NewFakeSnapshotter creates an empty snapshotter.
func NewFakeSnapshotter() *FakeSnapshotter {
	return &FakeSnapshotter{records: make(map[string][]bookmark.Record)}
}

// Set replaces the snapshot returned for owner.
func (f *FakeSnapshotter) Set(owner string, records ...bookmark.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[owner] = records
}

// FailWith makes later reads fail with err. A nil err clears the failure.
func (f *FakeSnapshotter) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Hold makes later reads block until Release.
func (f *FakeSnapshotter) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate == nil {
		f.gate = make(chan struct{})
	}
}

// Release unblocks every held read.
func (f *FakeSnapshotter) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Calls returns the owners read so far, in order.
func (f *FakeSnapshotter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// FetchAll implements engine.Snapshotter.
func (f *FakeSnapshotter) FetchAll(ctx context.Context, owner string) ([]bookmark.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, owner)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]bookmark.Record, len(f.records[owner]))
	copy(out, f.records[owner])
	return out, nil
}
