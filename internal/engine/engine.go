package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// DefaultCollection is the record collection the change feed is opened on.
const DefaultCollection = "bookmarks"

// DefaultMaxWarnings bounds the warnings kept on the view.
// Older warnings are dropped first.
const DefaultMaxWarnings = 32

// Topic returns the broadcast topic for an owner.
func Topic(ownerID string) string {
	return "bookmarks-sync-" + ownerID
}

// Snapshotter performs the one-time bulk read of an owner's records,
// newest first.
type Snapshotter interface {
	FetchAll(ctx context.Context, ownerID string) ([]bookmark.Record, error)
}

// ChangeFeed opens a push subscription of row-level changes.
type ChangeFeed interface {
	SubscribeChanges(ctx context.Context, collection string, predicate bookmark.Predicate) (bookmark.Stream, error)
}

// Broadcaster opens a best-effort subscription on a broadcast topic.
type Broadcaster interface {
	Subscribe(ctx context.Context, topic string) (bookmark.Stream, error)
}

// LifecycleState is Loading until the snapshot resolves, then Ready.
type LifecycleState int

const (
	StateLoading LifecycleState = iota
	StateReady
)

// String returns "loading" or "ready".
func (s LifecycleState) String() string {
	if s == StateReady {
		return "ready"
	}
	return "loading"
}

// MarshalText implements encoding.TextMarshaler.
func (s LifecycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Warning is a non-fatal failure attached to the view.
type Warning struct {
	Code      ErrorCode       `json:"code"`
	Source    bookmark.Source `json:"source,omitempty"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
	Seq       int64           `json:"seq"`
	Err       error           `json:"-"`
}

// ViewState is an immutable copy of the engine's state, safe to hand to
// presentation.
type ViewState struct {
	Owner          string            `json:"owner"`
	State          LifecycleState    `json:"state"`
	Active         bool              `json:"active"`
	SnapshotFailed bool              `json:"snapshot_failed"`
	Records        []bookmark.Record `json:"records"`
	Warnings       []Warning         `json:"warnings,omitempty"`
}

// Ready reports whether the snapshot has resolved.
func (v ViewState) Ready() bool {
	return v.State == StateReady
}

// Empty reports a confirmed-empty collection: the snapshot succeeded and
// nothing has been added since. A failed load is never Empty.
func (v ViewState) Empty() bool {
	return v.Ready() && !v.SnapshotFailed && len(v.Records) == 0
}

// Degraded reports whether any live subscription has failed.
func (v ViewState) Degraded() bool {
	for _, w := range v.Warnings {
		if w.Code == ErrCodeSubscriptionFailure {
			return true
		}
	}
	return false
}

// IDs returns the record ids in display order.
func (v ViewState) IDs() []string {
	ids := make([]string, len(v.Records))
	for i, r := range v.Records {
		ids[i] = r.ID
	}
	return ids
}

// Engine owns the LocalView and lifecycle state for one bound owner at a
// time.
//
// Thread-safety model:
//   - Start/Stop: safe from any goroutine; Start calls are serialized
//   - Subscription handlers: safe from any goroutine, merges are atomic
//   - View/Updates: safe from any goroutine
//
// INVARIANTS:
//   - every record in the view has OwnerID == owner
//   - state moves Loading -> Ready at most once per Start
//   - events carrying a stale generation never change the view
type Engine struct {
	snapshots   Snapshotter
	changes     ChangeFeed
	broadcasts  Broadcaster
	collection  string
	maxWarnings int
	logger      *slog.Logger
	clock       *Clock

	startMu sync.Mutex

	mu             sync.Mutex
	gen            uint64
	owner          string
	state          LifecycleState
	active         bool
	snapshotFailed bool
	view           *LocalView
	pending        []Event
	warnings       []Warning
	current        *Subscription

	updates chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithChangeFeed sets the change feed. Without one the engine relies on
// the snapshot, broadcasts and optimistic inserts.
func WithChangeFeed(feed ChangeFeed) Option {
	return func(e *Engine) {
		e.changes = feed
	}
}

// WithBroadcaster sets the broadcast channel. The engine stays correct
// without one; it only loses latency.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) {
		e.broadcasts = b
	}
}

// WithCollection overrides the change feed collection name.
func WithCollection(name string) Option {
	return func(e *Engine) {
		if name = strings.TrimSpace(name); name != "" {
			e.collection = name
		}
	}
}

// WithMaxWarnings bounds the warnings kept on the view.
func WithMaxWarnings(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxWarnings = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the arrival clock, e.g. to share one across engines in
// tests.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// New creates an Engine reading snapshots from s.
func New(s Snapshotter, opts ...Option) *Engine {
	e := &Engine{
		snapshots:   s,
		collection:  DefaultCollection,
		maxWarnings: DefaultMaxWarnings,
		logger:      slog.Default(),
		clock:       NewClock(),
		view:        newLocalView(),
		updates:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start binds the engine to ownerID and opens the snapshot read, the change
// feed and the broadcast subscription concurrently. Any previous
// subscription is fully stopped first.
//
// The returned Subscription is the only handle able to feed events into
// this binding; its Stop releases every acquisition.
func (e *Engine) Start(ctx context.Context, ownerID string) (*Subscription, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if e.snapshots == nil {
		return nil, fmt.Errorf("start %s: snapshotter is required", ownerID)
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()

	e.mu.Lock()
	prev := e.current
	e.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	subCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.gen++
	sub := &Subscription{
		engine: e,
		gen:    e.gen,
		owner:  ownerID,
		ctx:    subCtx,
		cancel: cancel,
		queue:  newEventQueue(),
		done:   make(chan struct{}),
	}
	e.owner = ownerID
	e.state = StateLoading
	e.active = true
	e.snapshotFailed = false
	e.view = newLocalView()
	e.pending = nil
	e.warnings = nil
	e.current = sub
	e.mu.Unlock()

	e.logger.Info("subscription starting",
		"owner", ownerID,
		"generation", sub.gen,
		"change_feed", e.changes != nil,
		"broadcast", e.broadcasts != nil,
	)
	e.notify()
	sub.launch()
	return sub, nil
}

// View returns a copy of the current view and lifecycle state.
func (e *Engine) View() ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()

	vs := ViewState{
		Owner:          e.owner,
		State:          e.state,
		Active:         e.active,
		SnapshotFailed: e.snapshotFailed,
		Records:        e.view.Records(),
	}
	if len(e.warnings) > 0 {
		vs.Warnings = make([]Warning, len(e.warnings))
		copy(vs.Warnings, e.warnings)
	}
	return vs
}

// Updates returns a channel signalled after every visible change.
// Signals coalesce; receivers should re-read View.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

// Clock returns the engine's arrival clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// PendingLen returns the number of events parked while Loading.
func (e *Engine) PendingLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) notify() {
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

// apply is the single entry point for every ingestion path.
func (e *Engine) apply(gen uint64, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.gen || !e.active {
		e.logger.Debug("dropping event from stale subscription",
			"type", ev.Type.String(),
			"generation", gen,
			"current_generation", e.gen,
		)
		return
	}

	if e.applyLocked(ev) {
		e.notify()
	}
}

// applyLocked routes an event. Returns true if the visible state changed.
// CRITICAL: e.mu must be held.
func (e *Engine) applyLocked(ev Event) bool {
	switch ev.Type {
	case EventTypeSnapshot:
		return e.resolveSnapshotLocked(ev.Records, ev.Err)

	case EventTypeChange, EventTypeBroadcast, EventTypeOptimistic:
		if e.state == StateLoading {
			e.pending = append(e.pending, ev)
			e.logger.Debug("parking event until snapshot resolves",
				"type", ev.Type.String(),
				"kind", ev.Kind.String(),
				"id", ev.Record.ID,
				"pending", len(e.pending),
			)
			return false
		}
		return e.mergeLocked(ev)

	case EventTypeStreamFailed:
		serr := NewSubscriptionError(e.owner, ev.Source, ev.Err)
		e.logger.Warn("live subscription failed",
			"owner", e.owner,
			"source", ev.Source,
			"error", ev.Err,
		)
		e.addWarningLocked(serr)
		return true

	default:
		e.logger.Error("unknown event type", "type", int(ev.Type))
		return false
	}
}

// resolveSnapshotLocked applies a snapshot result.
//
// The first resolution replaces the view, flips the state to Ready and
// replays parked events in arrival order. Later resolutions (retries)
// merge through the Insert rule so live events already applied survive.
func (e *Engine) resolveSnapshotLocked(records []bookmark.Record, err error) bool {
	if err != nil {
		serr := NewSnapshotError(e.owner, err)
		e.logger.Warn("snapshot failed", "owner", e.owner, "error", err)
		e.addWarningLocked(serr)
		if e.state == StateReady {
			return true
		}
		e.snapshotFailed = true
		e.view = newLocalView()
		e.readyLocked()
		return true
	}

	valid := make([]bookmark.Record, 0, len(records))
	for _, r := range records {
		if ok, _ := e.admitLocked(bookmark.KindInsert, r, bookmark.SourceSnapshot); ok {
			valid = append(valid, r)
		}
	}

	if e.state == StateReady {
		for _, r := range valid {
			e.view.Insert(r, e.clock.Next())
		}
		e.snapshotFailed = false
		e.clearWarningsLocked(ErrCodeSnapshotFailure)
		e.logger.Info("snapshot merged", "owner", e.owner, "records", len(valid))
		return true
	}

	e.view.Reset(valid, e.clock.Next)
	e.readyLocked()
	return true
}

func (e *Engine) readyLocked() {
	e.state = StateReady
	pending := e.pending
	e.pending = nil
	for _, ev := range pending {
		e.mergeLocked(ev)
	}
	e.logger.Info("view ready",
		"owner", e.owner,
		"records", e.view.Len(),
		"replayed", len(pending),
		"snapshot_failed", e.snapshotFailed,
	)
}

// admitLocked applies validation and the ownership filter. warned is set
// when the record was rejected as malformed.
// Deletes may omit the owner; when present it must match.
func (e *Engine) admitLocked(kind bookmark.Kind, r bookmark.Record, source bookmark.Source) (ok, warned bool) {
	if err := bookmark.Validate(kind, r); err != nil {
		e.logger.Warn("discarding malformed event",
			"source", source,
			"kind", kind.String(),
			"error", err,
		)
		e.addWarningLocked(NewMalformedEventError(e.owner, source, err))
		return false, true
	}
	if r.OwnerID != "" && r.OwnerID != e.owner {
		e.logger.Debug("discarding event for another owner",
			"source", source,
			"kind", kind.String(),
			"id", r.ID,
		)
		return false, false
	}
	return true, false
}

// mergeLocked applies the shared per-id merge rule.
func (e *Engine) mergeLocked(ev Event) bool {
	source := ev.Source
	if source == "" {
		source = sourceFor(ev.Type)
	}

	switch ev.Kind {
	case bookmark.KindInsert, bookmark.KindUpdate, bookmark.KindDelete:
	default:
		err := fmt.Errorf("unknown kind %d for %q", int(ev.Kind), ev.Record.ID)
		e.logger.Warn("discarding malformed event", "source", source, "error", err)
		e.addWarningLocked(NewMalformedEventError(e.owner, source, err))
		return true
	}

	if ok, warned := e.admitLocked(ev.Kind, ev.Record, source); !ok {
		return warned
	}

	var changed bool
	switch ev.Kind {
	case bookmark.KindInsert:
		changed = e.view.Insert(ev.Record, e.clock.Next())
	case bookmark.KindUpdate:
		changed = e.view.Update(ev.Record, e.clock.Next())
	case bookmark.KindDelete:
		changed = e.view.Delete(ev.Record.ID)
		if sub := e.current; sub != nil && sub.retries > 0 {
			sub.retryDeletes[ev.Record.ID] = struct{}{}
		}
	}

	e.logger.Debug("merged event",
		"source", source,
		"kind", ev.Kind.String(),
		"id", ev.Record.ID,
		"changed", changed,
	)
	return changed
}

func (e *Engine) addWarningLocked(err *SyncError) {
	w := Warning{
		Code:      err.Code,
		Source:    err.Source,
		Message:   err.Error(),
		Retryable: err.Retryable(),
		Seq:       e.clock.Next(),
		Err:       err,
	}
	e.warnings = append(e.warnings, w)
	if over := len(e.warnings) - e.maxWarnings; over > 0 {
		e.warnings = append(e.warnings[:0:0], e.warnings[over:]...)
	}
}

func (e *Engine) clearWarningsLocked(code ErrorCode) {
	var kept []Warning
	for _, w := range e.warnings {
		if w.Code != code {
			kept = append(kept, w)
		}
	}
	e.warnings = kept
}

// beginRetry marks a retry read in flight on sub. False if sub is no
// longer the current binding.
func (e *Engine) beginRetry(sub *Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gen != sub.gen || !e.active {
		return false
	}
	sub.retries++
	if sub.retryDeletes == nil {
		sub.retryDeletes = make(map[string]struct{})
	}
	return true
}

// finishRetry applies a retry read. Rows deleted since the read began are
// dropped from it first.
func (e *Engine) finishRetry(sub *Subscription, records []bookmark.Record, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	deleted := sub.retryDeletes
	sub.retries--
	if sub.retries == 0 {
		sub.retryDeletes = nil
	}

	if e.gen != sub.gen || !e.active {
		e.logger.Debug("dropping retry from stale subscription",
			"generation", sub.gen,
			"current_generation", e.gen,
		)
		return
	}

	if err == nil && len(deleted) > 0 {
		kept := make([]bookmark.Record, 0, len(records))
		for _, r := range records {
			if _, gone := deleted[r.ID]; gone {
				e.logger.Debug("skipping row deleted during retry", "id", r.ID)
				continue
			}
			kept = append(kept, r)
		}
		records = kept
	}

	if e.applyLocked(Event{Type: EventTypeSnapshot, Records: records, Source: bookmark.SourceSnapshot, Err: err}) {
		e.notify()
	}
}

// stopGeneration retires gen if it is still current.
func (e *Engine) stopGeneration(sub *Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gen != sub.gen {
		return false
	}
	e.gen++
	e.active = false
	e.pending = nil
	if e.current == sub {
		e.current = nil
	}
	return true
}

func sourceFor(t EventType) bookmark.Source {
	switch t {
	case EventTypeChange:
		return bookmark.SourceChangeFeed
	case EventTypeBroadcast:
		return bookmark.SourceBroadcast
	case EventTypeOptimistic:
		return bookmark.SourceOptimistic
	default:
		return bookmark.SourceSnapshot
	}
}
