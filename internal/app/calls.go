package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/metrics"
	"github.com/rs/zerolog/log"
)

var (
	ErrCallNotFound      = errors.New("call not found")
	ErrCallExists        = errors.New("call already exists")
	ErrInvalidTransition = errors.New("invalid call status transition")
)

// ActiveCall is the in-memory counterpart of a call record.
type ActiveCall struct {
	ID          domain.CallID
	Caller      domain.UserID
	Callee      domain.UserID
	CallerName  string
	Type        domain.CallType
	ResponseID  domain.ResponseID
	Status      domain.CallStatus
	RingStarted time.Time
	ConnectedAt time.Time
}

// Peer returns the other participant of uid, or false if uid is not in the call.
func (c ActiveCall) Peer(uid domain.UserID) (domain.UserID, bool) {
	switch uid {
	case c.Caller:
		return c.Callee, true
	case c.Callee:
		return c.Caller, true
	}
	return "", false
}

// Outcome describes a call that just left the table.
type Outcome struct {
	Call     ActiveCall
	Status   domain.CallStatus
	EndedAt  time.Time
	Duration int64
}

// Update converts the outcome into the persisted partial update.
func (o Outcome) Update() domain.CallUpdate {
	endedAt := o.EndedAt
	upd := domain.CallUpdate{Status: o.Status}
	if o.Status != domain.CallMissed {
		upd.EndedAt = &endedAt
	}
	if o.Status.HasDuration() {
		d := o.Duration
		upd.Duration = &d
	}
	return upd
}

// CallTable holds the active call entries, indexed by id and by participant.
// Every transition is a single check-and-set under mu.
type CallTable struct {
	mu     sync.RWMutex
	calls  map[domain.CallID]*ActiveCall
	byUser map[domain.UserID]map[domain.CallID]struct{}
}

func NewCallTable() *CallTable {
	return &CallTable{
		calls:  make(map[domain.CallID]*ActiveCall),
		byUser: make(map[domain.UserID]map[domain.CallID]struct{}),
	}
}

// Begin inserts a new entry in ringing state.
func (t *CallTable) Begin(c ActiveCall) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[c.ID]; ok {
		return fmt.Errorf("begin %s: %w", c.ID, ErrCallExists)
	}
	c.Status = domain.CallRinging
	entry := c
	t.calls[c.ID] = &entry
	t.index(c.Caller, c.ID)
	t.index(c.Callee, c.ID)
	metrics.ActiveCalls.Set(float64(len(t.calls)))
	log.Info().Str("module", "app.calls").Str("call_id", string(c.ID)).
		Str("caller", string(c.Caller)).Str("callee", string(c.Callee)).
		Str("call_type", string(c.Type)).Msg("call ringing")
	return nil
}

func (t *CallTable) Get(id domain.CallID) (ActiveCall, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.calls[id]
	if !ok {
		return ActiveCall{}, false
	}
	return *c, true
}

// Connect moves a ringing call to connected.
func (t *CallTable) Connect(id domain.CallID, at time.Time) (ActiveCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if !ok {
		return ActiveCall{}, fmt.Errorf("connect %s: %w", id, ErrCallNotFound)
	}
	if !c.Status.CanTransition(domain.CallConnected) {
		return *c, fmt.Errorf("connect %s from %s: %w", id, c.Status, ErrInvalidTransition)
	}
	c.Status = domain.CallConnected
	c.ConnectedAt = at
	log.Info().Str("module", "app.calls").Str("call_id", string(id)).Msg("call connected")
	return *c, nil
}

// Finish moves the call to a terminal status and removes it from the table.
// Duration is measured from ring start.
func (t *CallTable) Finish(id domain.CallID, status domain.CallStatus, at time.Time) (Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if !ok {
		return Outcome{}, fmt.Errorf("finish %s: %w", id, ErrCallNotFound)
	}
	if !status.IsTerminal() || !c.Status.CanTransition(status) {
		return Outcome{Call: *c}, fmt.Errorf("finish %s %s->%s: %w", id, c.Status, status, ErrInvalidTransition)
	}
	out := Outcome{Call: *c, Status: status, EndedAt: at}
	if status.HasDuration() {
		out.Duration = secondsBetween(c.RingStarted, at)
	}
	t.removeLocked(c)
	out.Call.Status = status
	metrics.CallsFinished.WithLabelValues(string(status)).Inc()
	if status.HasDuration() {
		metrics.CallDuration.Observe(float64(out.Duration))
	}
	log.Info().Str("module", "app.calls").Str("call_id", string(id)).
		Str("status", string(status)).Int64("duration", out.Duration).Msg("call finished")
	return out, nil
}

// CallsOf returns the active calls uid takes part in.
func (t *CallTable) CallsOf(uid domain.UserID) []ActiveCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ActiveCall, 0, len(t.byUser[uid]))
	for id := range t.byUser[uid] {
		out = append(out, *t.calls[id])
	}
	return out
}

// RingingSince returns ringing calls that started ringing before cutoff.
func (t *CallTable) RingingSince(cutoff time.Time) []ActiveCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []ActiveCall
	for _, c := range t.calls {
		if c.Status == domain.CallRinging && c.RingStarted.Before(cutoff) {
			out = append(out, *c)
		}
	}
	return out
}

func (t *CallTable) Snapshot() []ActiveCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ActiveCall, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, *c)
	}
	return out
}

func (t *CallTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.calls)
}

func (t *CallTable) index(uid domain.UserID, id domain.CallID) {
	set, ok := t.byUser[uid]
	if !ok {
		set = make(map[domain.CallID]struct{})
		t.byUser[uid] = set
	}
	set[id] = struct{}{}
}

func (t *CallTable) unindex(uid domain.UserID, id domain.CallID) {
	set, ok := t.byUser[uid]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(t.byUser, uid)
	}
}

func (t *CallTable) removeLocked(c *ActiveCall) {
	delete(t.calls, c.ID)
	t.unindex(c.Caller, c.ID)
	t.unindex(c.Callee, c.ID)
	metrics.ActiveCalls.Set(float64(len(t.calls)))
}

func secondsBetween(from, to time.Time) int64 {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
