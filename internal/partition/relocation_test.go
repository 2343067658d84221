package partition

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestTable(t *testing.T) (*RelocationTable, *clock, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	r := NewRelocationTable(500*time.Millisecond, zap.New(core))
	r.now = c.now
	return r, c, logs
}

func TestRelocationLifecycle(t *testing.T) {
	r, _, _ := newTestTable(t)
	id := ecs.NewEntityID(4, 1)

	txn, err := r.Begin(id, 0, 1, 2, 10, 20, 30)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, txn.ID)
	assert.Equal(t, StateLocked, txn.State)
	assert.Equal(t, 20.0, txn.StartY)

	require.NoError(t, r.Validate(id))
	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateValidated, got.State)

	done, err := r.Commit(id)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, done.State)
	assert.Equal(t, txn.ID, done.ID)
	assert.Zero(t, r.Len())

	_, err = r.Commit(id)
	assert.ErrorIs(t, err, ErrNoRelocation)
	assert.ErrorIs(t, r.Validate(id), ErrNoRelocation)
}

func TestRelocationDuplicateRejected(t *testing.T) {
	r, _, _ := newTestTable(t)
	id := ecs.NewEntityID(4, 1)
	_, err := r.Begin(id, 0, 1, 2, 0, 0, 0)
	require.NoError(t, err)
	_, err = r.Begin(id, 0, 1, 3, 0, 0, 0)
	assert.ErrorIs(t, err, ErrRelocationInFlight)

	got, _ := r.Get(id)
	assert.Equal(t, uint32(2), got.To, "first txn untouched")
}

func TestRelocationRollbackWarns(t *testing.T) {
	r, _, logs := newTestTable(t)
	id := ecs.NewEntityID(4, 1)
	_, err := r.Begin(id, 0, 1, 2, 0, 0, 0)
	require.NoError(t, err)

	txn, ok := r.Rollback(id, "entity gone")
	require.True(t, ok)
	assert.Equal(t, StateRolledBack, txn.State)
	assert.Zero(t, r.Len())
	_, ok = r.Rollback(id, "again")
	assert.False(t, ok)

	warns := logs.FilterMessage("relocation rolled back").All()
	require.Len(t, warns, 1)
	assert.Equal(t, zap.WarnLevel, warns[0].Level)
}

func TestRelocationExpire(t *testing.T) {
	r, c, _ := newTestTable(t)
	old, fresh := ecs.NewEntityID(1, 1), ecs.NewEntityID(2, 1)
	_, _ = r.Begin(old, 0, 1, 2, 0, 0, 0)
	c.t = c.t.Add(400 * time.Millisecond)
	_, _ = r.Begin(fresh, 0, 2, 1, 0, 0, 0)

	assert.Empty(t, r.Expire())
	c.t = c.t.Add(200 * time.Millisecond)
	expired := r.Expire()
	require.Len(t, expired, 1)
	assert.Equal(t, old, expired[0].Entity)
	assert.Equal(t, StateRolledBack, expired[0].State)
	assert.Equal(t, []ecs.EntityID{fresh}, r.InFlight())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "validated", StateValidated.String())
	assert.Equal(t, "unknown", RelocationState(99).String())
}
