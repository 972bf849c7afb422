// Package callengine establishes and tears down 1:1 call sessions over an
// unreliable, duplicate-prone, unordered transport.
//
// Two layers hold call state. The session store row is authoritative and
// durable; the engine's transient projection drives the UI and is applied
// optimistically, before any network round trip resolves. Events arrive
// from three unordered sources (the per-user signaling topic, the polling
// fallback and status echoes) with no ordering guarantee, so every handler
// is idempotent and echoes of already-superseded state are ignored rather
// than reordered. The periodic sweep is the only reconciliation mechanism
// between the two layers.
package callengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davisonwt/ringline/internal/signaling"
	"github.com/davisonwt/ringline/internal/store"
)

// Store is the durable session record surface the engine needs.
type Store interface {
	Create(ctx context.Context, cs *store.CallSession) error
	MarkAccepted(ctx context.Context, id string, at time.Time) error
	MarkDeclined(ctx context.Context, id, reason string, at time.Time) error
	MarkEnded(ctx context.Context, id, reason string, at time.Time) error
	GetByID(ctx context.Context, id string) (*store.CallSession, error)
	LatestRinging(ctx context.Context, receiverID string, since time.Time) (*store.CallSession, error)
	History(ctx context.Context, userID string, limit int) ([]*store.CallSession, error)
}

// Subscription is a live per-user topic subscription.
type Subscription interface {
	Close() error
}

// Channel is the per-user push transport. Publish returns a best-effort
// receiver count; zero receivers is not a failure.
type Channel interface {
	Publish(ctx context.Context, userID string, ev *signaling.Event) (int64, error)
	Subscribe(ctx context.Context, userID string, handler func(*signaling.Event)) (Subscription, error)
}

// Resolver maps a user id to a display name, best-effort.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

// Config holds the engine identity and timing constants. Zero durations get
// the production defaults, which lets tests compress the clock.
type Config struct {
	UserID string

	RingTimeout     time.Duration   // unanswered calls expire after this
	StaleWindow     time.Duration   // events older than this are discarded
	DuplicateWindow time.Duration   // repeat incoming ids inside this are dropped
	PollInterval    time.Duration   // store polling fallback cadence
	SweepInterval   time.Duration   // reconciliation sweep cadence
	RetrySchedule   []time.Duration // incoming_call send offsets from t=0
	HistoryLimit    int

	Verbose bool
}

func (c Config) withDefaults() Config {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.StaleWindow <= 0 {
		c.StaleWindow = DefaultStaleWindow
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = DefaultDuplicateWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2500 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if len(c.RetrySchedule) == 0 {
		c.RetrySchedule = []time.Duration{0, 1500 * time.Millisecond, 4 * time.Second}
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return c
}

// Engine is the per-user call state machine. One Engine is opened per
// sign-in and closed on sign-out; it owns the channel subscription, the
// timer handles and the last-incoming marker, so there is no cross-instance
// coupling through shared globals.
type Engine struct {
	cfg      Config
	store    Store
	channel  Channel
	resolver Resolver
	notifier Notifier
	ringtone Ringtone

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state callState
	sub   Subscription

	// Cancellable timers. The ring timer is the one explicitly cancelled
	// task in the system: it must die the instant an accept arrives from
	// any source.
	ringTimer     *time.Timer
	incomingTimer *time.Timer

	// Duplicate-suppression marker for incoming_call events.
	lastIncomingID string
	lastIncomingAt time.Time

	history *History
}

// New wires an engine. Nil notifier/ringtone default to no-ops.
func New(cfg Config, st Store, ch Channel, res Resolver, n Notifier, r Ringtone) *Engine {
	if n == nil {
		n = NopNotifier{}
	}
	if r == nil {
		r = NopRingtone{}
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		store:    st,
		channel:  ch,
		resolver: res,
		notifier: n,
		ringtone: r,
		history:  NewHistory(cfg.HistoryLimit),
	}
}

// Start subscribes to the local user's topic exactly once, rehydrates the
// history log and launches the polling fallback and reconciliation sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if rows, err := e.store.History(e.ctx, e.cfg.UserID, e.cfg.HistoryLimit); err != nil {
		// Non-critical path: an empty history beats a dead engine.
		log.Printf("[Engine] History rehydrate failed: %v", err)
	} else {
		e.history.Rehydrate(rows)
	}

	sub, err := e.channel.Subscribe(e.ctx, e.cfg.UserID, e.handleEvent)
	if err != nil {
		e.cancel()
		return fmt.Errorf("%w: subscribing %s: %v", ErrTransport, e.cfg.UserID, err)
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()

	e.wg.Add(2)
	go e.pollLoop()
	go e.sweepLoop()

	log.Printf("[Engine] Started for %s", e.cfg.UserID)
	return nil
}

// Stop tears the engine down: subscription, timers, background loops.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()

	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.stopTimersLocked()
	e.state.clear()
	e.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	e.wg.Wait()
	log.Printf("[Engine] Stopped for %s", e.cfg.UserID)
}

// State returns a copy of the transient call state.
func (e *Engine) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Incoming: copyCall(e.state.Incoming),
		Outgoing: copyCall(e.state.Outgoing),
		Active:   copyCall(e.state.Active),
	}
}

// History returns the call history log.
func (e *Engine) History() *History {
	return e.history
}

func copyCall(c *Call) *Call {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// ===== outgoing side =====

// StartCall creates a ringing session to receiverID and starts signaling.
// Fails with ErrBusy while another call is held, unless calling yourself.
// The incoming_call signal is re-sent on the retry schedule to cover the
// receiver-side subscribe race at call start.
func (e *Engine) StartCall(ctx context.Context, receiverID string, callType store.CallType) (*store.CallSession, error) {
	e.mu.Lock()
	if !e.state.idle() && receiverID != e.cfg.UserID {
		e.mu.Unlock()
		e.notifier.Toast("Already in a call", "Finish the current call before starting another.", "warning")
		return nil, ErrBusy
	}
	e.mu.Unlock()

	cs := &store.CallSession{
		ID:         uuid.New().String(),
		CallerID:   e.cfg.UserID,
		ReceiverID: receiverID,
		CallType:   callType,
		Status:     store.StatusRinging,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.Create(ctx, cs); err != nil {
		return nil, fmt.Errorf("%w: creating session: %v", ErrPersistence, err)
	}

	e.mu.Lock()
	// Re-check: an incoming call may have claimed the Incoming slot while
	// Create was in flight. The loser of that race settles its own row.
	if !e.state.idle() && receiverID != e.cfg.UserID {
		e.mu.Unlock()
		e.notifier.Toast("Already in a call", "Finish the current call before starting another.", "warning")
		e.persistDecline(cs.ID, "busy")
		return nil, ErrBusy
	}
	e.state.Outgoing = &Call{
		ID:        cs.ID,
		PeerID:    receiverID,
		CallType:  callType,
		Status:    store.StatusRinging,
		CreatedAt: cs.CreatedAt,
	}
	id := cs.ID
	e.ringTimer = time.AfterFunc(e.cfg.RingTimeout, func() { e.onRingTimeout(id) })
	e.mu.Unlock()

	log.Printf("[Engine] Call started: %s → %s (type=%s, id=%s)", e.cfg.UserID, receiverID, callType, cs.ID)

	e.spawn(func() { e.publishIncomingWithRetries(cs) })

	return cs, nil
}

// publishIncomingWithRetries sends incoming_call at each schedule offset
// while the call is still ringing on our side. Each attempt carries a fresh
// timestamp; the receiver's duplicate filter collapses the repeats.
func (e *Engine) publishIncomingWithRetries(cs *store.CallSession) {
	start := time.Now()
	for i, offset := range e.cfg.RetrySchedule {
		wait := offset - time.Since(start)
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-e.ctx.Done():
				return
			}
		}

		e.mu.Lock()
		stillRinging := e.state.Outgoing != nil && e.state.Outgoing.ID == cs.ID
		e.mu.Unlock()
		if !stillRinging {
			return
		}

		ev := &signaling.Event{
			Kind:       signaling.KindIncomingCall,
			CallID:     cs.ID,
			CallerID:   cs.CallerID,
			ReceiverID: cs.ReceiverID,
			CallType:   string(cs.CallType),
			Status:     string(store.StatusRinging),
			SentAtMs:   time.Now().UnixMilli(),
		}
		n, err := e.channel.Publish(e.ctx, cs.ReceiverID, ev)
		if err != nil {
			log.Printf("[Engine] incoming_call send %d for %s failed: %v", i+1, cs.ID, err)
			continue
		}
		if e.cfg.Verbose {
			log.Printf("[Engine] incoming_call send %d for %s reached %d receivers", i+1, cs.ID, n)
		}
	}
}

// onRingTimeout fires when the outgoing call was never answered. If an
// Active call exists for the id by now, the timeout raced an accept and is
// a stale no-op.
func (e *Engine) onRingTimeout(id string) {
	e.mu.Lock()
	if e.state.Active != nil && e.state.Active.ID == id {
		e.mu.Unlock()
		return
	}
	if e.state.Outgoing == nil || e.state.Outgoing.ID != id {
		e.mu.Unlock()
		return
	}
	peer := e.state.Outgoing.PeerID
	e.state.Outgoing = nil
	e.ringTimer = nil
	e.mu.Unlock()

	log.Printf("[Engine] Call %s timed out ringing", id)
	e.notifier.Toast("No answer", "The call was not answered.", "info")

	// The durable schema has no "timed out" status; the reason column keeps
	// the distinction while status collapses to declined.
	e.persistDecline(id, "timeout")
	e.publishBestEffort(peer, &signaling.Event{
		Kind:   signaling.KindCallStatus,
		CallID: id,
		Status: string(store.StatusDeclined),
		Reason: "timeout",
	})
}

// ===== incoming side =====

// handleEvent routes one decoded event. Invoked from the subscription
// goroutine and, with synthesized events, from the polling fallback.
func (e *Engine) handleEvent(ev *signaling.Event) {
	if e.cfg.Verbose {
		log.Printf("[Engine] Event: kind=%s call=%s status=%s reason=%s", ev.Kind, ev.CallID, ev.Status, ev.Reason)
	}

	switch ev.Kind {
	case signaling.KindIncomingCall:
		e.handleIncomingCall(ev)
	case signaling.KindCallAnswered:
		e.handleCallAnswered(ev)
	case signaling.KindCallDeclined:
		e.handleCallDeclined(ev)
	case signaling.KindCallEnded:
		e.handleCallEnded(ev)
	case signaling.KindCallStatus:
		e.handleCallStatus(ev)
	}
}

// handleIncomingCall applies the guard chain, then transitions to Incoming.
func (e *Engine) handleIncomingCall(ev *signaling.Event) {
	if IsStale(ev.SentAt(), e.cfg.StaleWindow) {
		if e.cfg.Verbose {
			log.Printf("[Engine] Dropping stale incoming_call %s", ev.CallID)
		}
		return
	}

	e.mu.Lock()
	if e.ctx == nil || e.ctx.Err() != nil {
		// Sign-out already started; do not install state or timers.
		e.mu.Unlock()
		return
	}
	if IsDuplicate(ev.CallID, e.lastIncomingID, e.lastIncomingAt, e.cfg.DuplicateWindow) {
		e.mu.Unlock()
		return
	}
	// An out-of-order ringing echo can arrive after we already accepted;
	// it must not resurrect the Incoming slot. Only the Active slot blocks
	// here: an Outgoing-held id is the loopback leg of a self-call, and an
	// Incoming-held id is already caught by the duplicate filter.
	if e.state.Active != nil && e.state.Active.ID == ev.CallID {
		e.mu.Unlock()
		return
	}
	if ev.CallerID == e.cfg.UserID && e.state.Outgoing != nil && e.state.Outgoing.ID == ev.CallID {
		// Our own self-call signal came back around. Hand the call from
		// the Outgoing slot to the Incoming slot so it rings locally.
		e.state.Outgoing = nil
		e.stopRingTimerLocked()
	}
	if !e.state.idle() {
		e.mu.Unlock()
		log.Printf("[Engine] Busy, auto-declining call %s from %s", ev.CallID, ev.CallerID)
		e.persistDecline(ev.CallID, "busy")
		e.publishBestEffort(ev.CallerID, &signaling.Event{
			Kind:   signaling.KindCallDeclined,
			CallID: ev.CallID,
			Reason: "busy",
		})
		return
	}
	e.lastIncomingID = ev.CallID
	e.lastIncomingAt = time.Now()
	e.mu.Unlock()

	callerName := "Unknown"
	if e.resolver != nil {
		resolveCtx, cancel := context.WithTimeout(e.ctx, 2*time.Second)
		if name, err := e.resolver.Resolve(resolveCtx, ev.CallerID); err == nil && name != "" {
			callerName = name
		} else if e.cfg.Verbose {
			log.Printf("[Engine] Name lookup for %s failed: %v", ev.CallerID, err)
		}
		cancel()
	}

	e.mu.Lock()
	// Re-check: the resolver round trip may have lost a race with another
	// incoming signal, a local StartCall, or sign-out.
	if e.ctx.Err() != nil || e.state.holds(ev.CallID) || !e.state.idle() {
		e.mu.Unlock()
		return
	}
	e.state.Incoming = &Call{
		ID:         ev.CallID,
		PeerID:     ev.CallerID,
		PeerName:   callerName,
		CallType:   store.CallType(ev.CallType),
		Status:     store.StatusRinging,
		IsIncoming: true,
		CreatedAt:  ev.SentAt(),
	}
	id := ev.CallID
	e.incomingTimer = time.AfterFunc(e.cfg.RingTimeout, func() { e.onIncomingTimeout(id) })
	e.mu.Unlock()

	log.Printf("[Engine] Incoming %s call %s from %s (%s)", ev.CallType, ev.CallID, callerName, ev.CallerID)
	e.notifier.IncomingCall(ev.CallID, callerName, ev.CallType)
}

// onIncomingTimeout auto-declines a call we never answered.
func (e *Engine) onIncomingTimeout(id string) {
	e.mu.Lock()
	if e.state.Incoming == nil || e.state.Incoming.ID != id {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	log.Printf("[Engine] Incoming call %s expired unanswered", id)
	e.DeclineCall(context.Background(), id, "timeout")
}

// AnswerCall accepts the held incoming call. The transition to Active is
// optimistic: it happens before the accept is persisted or signaled, and a
// later write failure never rolls it back. A non-matching id is a silent
// no-op, since stale UI interactions are expected.
func (e *Engine) AnswerCall(ctx context.Context, id string) error {
	e.mu.Lock()
	if e.state.Incoming == nil || e.state.Incoming.ID != id {
		e.mu.Unlock()
		if e.cfg.Verbose {
			log.Printf("[Engine] Answer for unheld call %s ignored", id)
		}
		return nil
	}
	call := e.state.Incoming
	e.state.Incoming = nil
	e.stopIncomingTimerLocked()

	call.Status = store.StatusAccepted
	call.StartTime = time.Now()
	call.IsIncoming = true
	e.state.Active = call
	peer := call.PeerID
	e.mu.Unlock()

	log.Printf("[Engine] Call %s answered", id)
	e.ringtone.StopAll()
	e.notifier.DismissCall(id)

	// Fire-and-forget: the durable record catches up; the signal is advisory.
	e.persistAccept(id, call.StartTime)
	e.publishBestEffort(peer, &signaling.Event{
		Kind:   signaling.KindCallAnswered,
		CallID: id,
	})
	return nil
}

// DeclineCall declines the held incoming call. Non-matching id: silent no-op.
func (e *Engine) DeclineCall(ctx context.Context, id, reason string) error {
	e.mu.Lock()
	if e.state.Incoming == nil || e.state.Incoming.ID != id {
		e.mu.Unlock()
		return nil
	}
	peer := e.state.Incoming.PeerID
	e.state.Incoming = nil
	e.stopIncomingTimerLocked()
	e.mu.Unlock()

	log.Printf("[Engine] Call %s declined (%s)", id, reason)
	e.ringtone.StopAll()
	e.notifier.DismissCall(id)

	e.persistDecline(id, reason)
	e.publishBestEffort(peer, &signaling.Event{
		Kind:   signaling.KindCallDeclined,
		CallID: id,
		Reason: reason,
	})
	return nil
}

// EndCall ends whatever call matches id. When nothing matches it still
// clears all transient state and returns: stuck state must always have a
// way out. Calling it twice is harmless.
func (e *Engine) EndCall(ctx context.Context, id, reason string) error {
	e.mu.Lock()
	call := e.state.find(id)
	if call == nil {
		e.state.clear()
		e.stopTimersLocked()
		e.mu.Unlock()
		e.ringtone.StopAll()
		e.notifier.DismissCall(id)
		return nil
	}

	var duration time.Duration
	if e.state.Active != nil && e.state.Active.ID == id && !e.state.Active.StartTime.IsZero() {
		duration = time.Since(e.state.Active.StartTime)
	}
	peer := call.PeerID
	callType := call.CallType
	e.state.clear()
	e.stopTimersLocked()
	e.mu.Unlock()

	log.Printf("[Engine] Call %s ended (%s), duration=%v", id, reason, duration)
	e.ringtone.StopAll()
	e.notifier.DismissCall(id)

	e.persistEnd(id, reason)
	e.publishBestEffort(peer, &signaling.Event{
		Kind:   signaling.KindCallEnded,
		CallID: id,
		Reason: reason,
	})

	if duration > 0 {
		e.history.Append(HistoryEntry{
			ID:           id,
			CallType:     callType,
			Duration:     duration,
			Timestamp:    time.Now().UTC(),
			Participants: [2]string{e.cfg.UserID, peer},
			Status:       store.StatusEnded,
		})
	}
	return nil
}

// ===== remote event handlers =====

// handleCallAnswered runs on the caller when the receiver accepts. The ring
// timer is cancelled under the same lock as the state transition, so it
// cannot fire between the accept arriving and the call going Active.
func (e *Engine) handleCallAnswered(ev *signaling.Event) {
	e.mu.Lock()
	if e.state.Outgoing == nil || e.state.Outgoing.ID != ev.CallID {
		// Duplicate delivery after we already went Active, or an echo for
		// a call we no longer hold. Either way: idempotent drop, and the
		// ring timer of an unrelated outgoing call stays armed.
		e.mu.Unlock()
		return
	}
	e.stopRingTimerLocked()
	call := e.state.Outgoing
	e.state.Outgoing = nil

	call.Status = store.StatusAccepted
	call.StartTime = time.Now()
	call.IsIncoming = false // the caller originates the media offer
	e.state.Active = call
	e.mu.Unlock()

	log.Printf("[Engine] Call %s answered by %s", ev.CallID, call.PeerID)
}

// handleCallDeclined and handleCallEnded clear all transient state
// unconditionally and log a history entry if a call had been active.
func (e *Engine) handleCallDeclined(ev *signaling.Event) {
	e.clearOnRemoteTerminal(ev.CallID)
	if ev.Reason == "busy" {
		e.notifier.Toast("Busy", "The other person is on another call.", "info")
	}
}

func (e *Engine) handleCallEnded(ev *signaling.Event) {
	e.clearOnRemoteTerminal(ev.CallID)
}

// handleCallStatus treats a terminal status echo as a clear signal: a third
// recovery source besides the direct events and the store poll.
func (e *Engine) handleCallStatus(ev *signaling.Event) {
	switch store.CallStatus(ev.Status) {
	case store.StatusEnded, store.StatusDeclined:
		e.clearOnRemoteTerminal(ev.CallID)
	}
}

// clearOnRemoteTerminal drops every transient slot, stops timers and
// appends a history entry when an active call just finished. Safe to call
// for ids we never held.
func (e *Engine) clearOnRemoteTerminal(id string) {
	e.mu.Lock()
	var (
		duration time.Duration
		peer     string
		callType store.CallType
	)
	wasActive := e.state.Active != nil
	if wasActive {
		peer = e.state.Active.PeerID
		callType = e.state.Active.CallType
		if !e.state.Active.StartTime.IsZero() {
			duration = time.Since(e.state.Active.StartTime)
		}
	}
	hadAny := !e.state.idle()
	e.state.clear()
	e.stopTimersLocked()
	e.mu.Unlock()

	if !hadAny {
		return
	}

	log.Printf("[Engine] Remote terminal signal for %s cleared state", id)
	e.ringtone.StopAll()
	e.notifier.DismissCall(id)

	if wasActive && duration > 0 {
		e.history.Append(HistoryEntry{
			ID:           id,
			CallType:     callType,
			Duration:     duration,
			Timestamp:    time.Now().UTC(),
			Participants: [2]string{e.cfg.UserID, peer},
			Status:       store.StatusEnded,
		})
	}
}

// ===== background loops =====

// pollLoop is the database fallback for missed push delivery. It only runs
// while we hold no Incoming/Active call, and feeds recovered rows through
// the same incoming path, whose guards already drop known ids.
func (e *Engine) pollLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		busy := e.state.Incoming != nil || e.state.Active != nil
		e.mu.Unlock()
		if busy {
			continue
		}

		cs, err := e.store.LatestRinging(e.ctx, e.cfg.UserID, time.Now().Add(-e.cfg.StaleWindow))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Printf("[Engine] Poll failed: %v", err)
			continue
		}

		e.handleIncomingCall(&signaling.Event{
			Kind:       signaling.KindIncomingCall,
			CallID:     cs.ID,
			CallerID:   cs.CallerID,
			ReceiverID: cs.ReceiverID,
			CallType:   string(cs.CallType),
			Status:     string(cs.Status),
			SentAtMs:   cs.CreatedAt.UnixMilli(),
		})
	}
}

// sweepLoop is the defensive backstop: any held call whose durable status
// settled to ended gets structurally cleared within one sweep interval.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
		e.sweepOnce()
	}
}

func (e *Engine) sweepOnce() {
	e.mu.Lock()
	var held []*Call
	for _, c := range []*Call{e.state.Incoming, e.state.Outgoing, e.state.Active} {
		if c != nil {
			held = append(held, c)
		}
	}
	e.mu.Unlock()

	for _, c := range held {
		if c.Status == store.StatusEnded {
			log.Printf("[Engine] Sweep clearing locally-terminal call %s", c.ID)
			e.clearOnRemoteTerminal(c.ID)
			continue
		}
		cs, err := e.store.GetByID(e.ctx, c.ID)
		if err != nil {
			continue // best-effort; next sweep retries
		}
		if cs.Status == store.StatusEnded {
			log.Printf("[Engine] Sweep clearing call %s (durably ended)", c.ID)
			e.clearOnRemoteTerminal(c.ID)
		}
	}
}

// ===== fire-and-forget persistence and publishing =====

// persistence failures never reverse an optimistic transition; they are
// logged and the sweep reconciles any divergence that matters.

func (e *Engine) persistAccept(id string, at time.Time) {
	e.asyncPersist(func(ctx context.Context) error { return e.store.MarkAccepted(ctx, id, at) }, id, "accept")
}

func (e *Engine) persistDecline(id, reason string) {
	e.asyncPersist(func(ctx context.Context) error { return e.store.MarkDeclined(ctx, id, reason, time.Now()) }, id, "decline")
}

// persistEnd writes the terminal row. A "timeout" reason collapses to the
// declined status because the durable schema only allows the four canonical
// values; the reason column keeps the original.
func (e *Engine) persistEnd(id, reason string) {
	if reason == "timeout" {
		e.persistDecline(id, reason)
		return
	}
	e.asyncPersist(func(ctx context.Context) error { return e.store.MarkEnded(ctx, id, reason, time.Now()) }, id, "end")
}

// spawn runs fn on the engine waitgroup unless the engine is stopping. The
// mutex orders the Add against Stop's cancel-then-Wait sequence: Stop takes
// the lock between cancelling the context and waiting, so any spawn that
// slips in before it is counted, and any after it sees the dead context.
func (e *Engine) spawn(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil || e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) asyncPersist(fn func(context.Context) error, id, op string) {
	e.spawn(func() {
		err := fn(e.ctx)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrTerminal):
			// Someone else settled the row first; that is the idempotent
			// outcome we wanted.
		default:
			log.Printf("[Engine] Persist %s for %s failed: %v", op, id, err)
		}
	})
}

func (e *Engine) publishBestEffort(userID string, ev *signaling.Event) {
	e.spawn(func() {
		if _, err := e.channel.Publish(e.ctx, userID, ev); err != nil {
			log.Printf("[Engine] %s to %s failed: %v", ev.Kind, userID, err)
		}
	})
}

// ===== timer plumbing (engine mutex held) =====

func (e *Engine) stopRingTimerLocked() {
	if e.ringTimer != nil {
		e.ringTimer.Stop()
		e.ringTimer = nil
	}
}

func (e *Engine) stopIncomingTimerLocked() {
	if e.incomingTimer != nil {
		e.incomingTimer.Stop()
		e.incomingTimer = nil
	}
}

func (e *Engine) stopTimersLocked() {
	e.stopRingTimerLocked()
	e.stopIncomingTimerLocked()
}
