package partition

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/l1jgo/worldshard/internal/core/ecs"
	"go.uber.org/zap"
)

var (
	ErrRelocationInFlight = errors.New("relocation already in progress")
	ErrNoRelocation       = errors.New("no relocation in progress")
)

type RelocationState uint8

const (
	StatePending RelocationState = iota
	StateLocked
	StateValidated
	StateCommitted
	StateRolledBack
)

var stateNames = [...]string{"pending", "locked", "validated", "committed", "rolled_back"}

func (s RelocationState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Txn is the bookkeeping record of one ownership transfer.
type Txn struct {
	ID      uuid.UUID
	Entity  ecs.EntityID
	MapID   uint32
	From    uint32
	To      uint32
	State   RelocationState
	Started time.Time
	StartX  float64
	StartY  float64
	StartZ  float64
}

// RelocationTable tracks in-flight ownership transfers, at most one per
// entity. A txn leaves the table on commit, rollback or expiry.
type RelocationTable struct {
	mu      sync.Mutex
	txns    map[ecs.EntityID]*Txn
	timeout time.Duration
	now     func() time.Time
	log     *zap.Logger
}

func NewRelocationTable(timeout time.Duration, log *zap.Logger) *RelocationTable {
	return &RelocationTable{
		txns:    make(map[ecs.EntityID]*Txn),
		timeout: timeout,
		now:     time.Now,
		log:     log,
	}
}

// Begin opens a txn in the LOCKED state.
func (r *RelocationTable) Begin(id ecs.EntityID, mapID, from, to uint32, x, y, z float64) (Txn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.txns[id]; ok {
		r.log.Warn("relocation already in progress", zap.Stringer("entity", id))
		return Txn{}, ErrRelocationInFlight
	}
	t := &Txn{
		ID:      uuid.New(),
		Entity:  id,
		MapID:   mapID,
		From:    from,
		To:      to,
		State:   StateLocked,
		Started: r.now(),
		StartX:  x,
		StartY:  y,
		StartZ:  z,
	}
	r.txns[id] = t
	r.log.Debug("relocation begin",
		zap.Stringer("entity", id), zap.Uint32("map", mapID),
		zap.Uint32("from", from), zap.Uint32("to", to), zap.Stringer("txn", t.ID))
	return *t, nil
}

// Validate marks the target position as checked.
func (r *RelocationTable) Validate(id ecs.EntityID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return ErrNoRelocation
	}
	t.State = StateValidated
	return nil
}

func (r *RelocationTable) Commit(id ecs.EntityID) (Txn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return Txn{}, ErrNoRelocation
	}
	t.State = StateCommitted
	delete(r.txns, id)
	r.log.Debug("relocation commit",
		zap.Stringer("entity", id), zap.Uint32("from", t.From), zap.Uint32("to", t.To),
		zap.Duration("took", r.now().Sub(t.Started)))
	return *t, nil
}

// Rollback abandons the txn; ownership stays with the source partition.
func (r *RelocationTable) Rollback(id ecs.EntityID, reason string) (Txn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return Txn{}, false
	}
	prev := t.State
	t.State = StateRolledBack
	delete(r.txns, id)
	r.log.Warn("relocation rolled back",
		zap.Stringer("entity", id), zap.Uint32("map", t.MapID),
		zap.Uint32("from", t.From), zap.Uint32("to", t.To),
		zap.Stringer("was", prev), zap.String("reason", reason),
		zap.Duration("after", r.now().Sub(t.Started)))
	return *t, true
}

func (r *RelocationTable) Get(id ecs.EntityID) (Txn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return Txn{}, false
	}
	return *t, true
}

func (r *RelocationTable) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txns)
}

// Expire rolls back every txn older than the timeout.
func (r *RelocationTable) Expire() []Txn {
	now := r.now()
	r.mu.Lock()
	var stale []ecs.EntityID
	for id, t := range r.txns {
		if now.Sub(t.Started) > r.timeout {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	sortIDs(stale)
	out := make([]Txn, 0, len(stale))
	for _, id := range stale {
		if t, ok := r.Rollback(id, "timeout"); ok {
			out = append(out, t)
		}
	}
	return out
}

// InFlight lists the entities with an open txn.
func (r *RelocationTable) InFlight() []ecs.EntityID {
	r.mu.Lock()
	out := make([]ecs.EntityID, 0, len(r.txns))
	for id := range r.txns {
		out = append(out, id)
	}
	r.mu.Unlock()
	sortIDs(out)
	return out
}
