package partition

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/l1jgo/worldshard/internal/grid"
	"go.uber.org/zap"
)

// Options configures a Manager.
type Options struct {
	Enabled       bool
	DefaultCount  uint32
	BorderOverlap float64 // yards
	ExcludedZones []uint32
	// Lookahead scales the velocity in PredictCrossing.
	Lookahead time.Duration
}

// MapConfig overrides the defaults for one map.
type MapConfig struct {
	Partitions    uint32
	BorderOverlap float64
}

// Stats are the last counts a partition worker reported.
type Stats struct {
	Players   uint32
	Creatures uint32
	Boundary  uint32
}

// OwnershipRow is one persisted sticky assignment.
type OwnershipRow struct {
	GUID        uint64
	MapID       uint32
	PartitionID uint32
}

type ownership struct {
	mapID uint32
	pid   uint32
}

type mapState struct {
	layout       Layout
	overlapGrids uint32

	mu         sync.Mutex
	stats      map[uint32]*Stats
	boundary   map[uint32]*boundarySet
	visibility map[uint32]map[ecs.EntityID]struct{}

	combatHandoffs atomic.Uint32
	pathHandoffs   atomic.Uint32
}

// Manager is the default Oracle: a square grid layout per map, short-lived
// overrides, sticky player ownership and the boundary bookkeeping.
type Manager struct {
	opts     Options
	excluded map[uint32]struct{}

	mu   sync.RWMutex
	maps map[uint32]*mapState

	overrides *overrideTable

	ownMu     sync.Mutex
	ownership map[uint64]ownership
	dirty     map[uint64]OwnershipRow

	now func() time.Time
	log *zap.Logger
}

func NewManager(opts Options, log *zap.Logger) *Manager {
	if opts.DefaultCount == 0 {
		opts.DefaultCount = 1
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = 3 * time.Second
	}
	m := &Manager{
		opts:      opts,
		excluded:  make(map[uint32]struct{}, len(opts.ExcludedZones)),
		maps:      make(map[uint32]*mapState),
		overrides: newOverrideTable(),
		ownership: make(map[uint64]ownership),
		dirty:     make(map[uint64]OwnershipRow),
		now:       time.Now,
		log:       log,
	}
	for _, z := range opts.ExcludedZones {
		m.excluded[z] = struct{}{}
	}
	return m
}

func (m *Manager) Enabled() bool { return m.opts.Enabled }

// ConfigureMap sets the partition count and overlap for mapID, replacing any
// earlier configuration and its boundary state.
func (m *Manager) ConfigureMap(mapID uint32, cfg MapConfig) {
	if cfg.Partitions == 0 {
		cfg.Partitions = m.opts.DefaultCount
	}
	if cfg.BorderOverlap <= 0 {
		cfg.BorderOverlap = m.opts.BorderOverlap
	}
	st := newMapState(cfg)
	m.mu.Lock()
	m.maps[mapID] = st
	m.mu.Unlock()
	m.log.Info("partitions configured",
		zap.Uint32("map", mapID), zap.Uint32("count", st.layout.Count),
		zap.Uint32("cols", st.layout.Cols), zap.Uint32("rows", st.layout.Rows),
		zap.Uint32("overlap_grids", st.overlapGrids))
}

// AddExcludedZones extends the excluded zone set.
func (m *Manager) AddExcludedZones(zones ...uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, z := range zones {
		m.excluded[z] = struct{}{}
	}
}

func newMapState(cfg MapConfig) *mapState {
	return &mapState{
		layout:       NewLayout(cfg.Partitions),
		overlapGrids: OverlapGrids(cfg.BorderOverlap),
		stats:        make(map[uint32]*Stats),
		boundary:     make(map[uint32]*boundarySet),
		visibility:   make(map[uint32]map[ecs.EntityID]struct{}),
	}
}

func (m *Manager) mapFor(mapID uint32) *mapState {
	m.mu.RLock()
	st := m.maps[mapID]
	m.mu.RUnlock()
	if st != nil {
		return st
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st = m.maps[mapID]; st == nil {
		st = newMapState(MapConfig{Partitions: m.opts.DefaultCount, BorderOverlap: m.opts.BorderOverlap})
		m.maps[mapID] = st
	}
	return st
}

func (m *Manager) Layout(mapID uint32) Layout { return m.mapFor(mapID).layout }

func (m *Manager) PartitionCount(mapID uint32) uint32 {
	return m.mapFor(mapID).layout.Count
}

func (m *Manager) IsExcludedZone(zone uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.excluded[zone]
	return ok
}

// PartitionFor returns an unexpired override for id, else the layout cell of
// (x, y). Excluded zones ignore overrides.
func (m *Manager) PartitionFor(mapID uint32, x, y float64, zone uint32, id ecs.EntityID) uint32 {
	if !id.IsZero() && !m.IsExcludedZone(zone) {
		if pid, ok := m.overrides.lookup(id, mapID, m.now()); ok {
			return pid
		}
	}
	return m.mapFor(mapID).layout.PartitionAt(grid.ComputeGridCoord(x, y))
}

func (m *Manager) IsNearBoundary(mapID uint32, x, y float64) bool {
	st := m.mapFor(mapID)
	return st.layout.NearBoundary(grid.ComputeGridCoord(x, y), st.overlapGrids)
}

func (m *Manager) Adjacent(mapID, pid uint32) []uint32 {
	return m.mapFor(mapID).layout.Adjacent(pid)
}

func (m *Manager) PredictCrossing(mapID uint32, x, y, dx, dy float64) (grid.GridCoord, bool) {
	secs := m.opts.Lookahead.Seconds()
	px, py := x+dx*secs, y+dy*secs
	if !grid.ValidPosition(px, py) {
		return grid.GridCoord{}, false
	}
	layout := m.mapFor(mapID).layout
	here, ahead := grid.ComputeGridCoord(x, y), grid.ComputeGridCoord(px, py)
	if layout.PartitionAt(here) == layout.PartitionAt(ahead) {
		return grid.GridCoord{}, false
	}
	return ahead, true
}

// overrides

func (m *Manager) SetOverride(mapID uint32, id ecs.EntityID, pid uint32, ttl time.Duration) {
	if id.IsZero() || pid == 0 {
		return
	}
	m.overrides.set(id, mapID, pid, m.now().Add(ttl))
}

func (m *Manager) BatchSetOverrides(mapID, pid uint32, ids []ecs.EntityID, ttl time.Duration) {
	if pid == 0 || len(ids) == 0 {
		return
	}
	expires := m.now().Add(ttl)
	for _, id := range ids {
		if !id.IsZero() {
			m.overrides.set(id, mapID, pid, expires)
		}
	}
}

func (m *Manager) ClearOverride(id ecs.EntityID) { m.overrides.clear(id) }

func (m *Manager) OverrideCount() int { return m.overrides.len() }

// sticky ownership

// LoadOwnership seeds the sticky table, skipping rows without a partition.
func (m *Manager) LoadOwnership(rows []OwnershipRow) int {
	m.ownMu.Lock()
	defer m.ownMu.Unlock()
	n := 0
	for _, r := range rows {
		if r.PartitionID == 0 || r.GUID == 0 {
			continue
		}
		m.ownership[r.GUID] = ownership{mapID: r.MapID, pid: r.PartitionID}
		n++
	}
	return n
}

func (m *Manager) PersistentPartition(mapID uint32, guid uint64) (uint32, bool) {
	if guid == 0 {
		return 0, false
	}
	m.ownMu.Lock()
	defer m.ownMu.Unlock()
	o, ok := m.ownership[guid]
	if !ok || o.mapID != mapID || o.pid == 0 {
		return 0, false
	}
	return o.pid, true
}

// PersistOwnership records guid's partition and reports whether it changed.
// Changed rows queue for the next DrainOwnership.
func (m *Manager) PersistOwnership(mapID uint32, guid uint64, pid uint32) bool {
	if guid == 0 || !m.opts.Enabled {
		return false
	}
	m.ownMu.Lock()
	defer m.ownMu.Unlock()
	o := m.ownership[guid]
	if o.mapID == mapID && o.pid == pid {
		return false
	}
	m.ownership[guid] = ownership{mapID: mapID, pid: pid}
	m.dirty[guid] = OwnershipRow{GUID: guid, MapID: mapID, PartitionID: pid}
	return true
}

// DrainOwnership returns and forgets the rows changed since the last call.
func (m *Manager) DrainOwnership() []OwnershipRow {
	m.ownMu.Lock()
	rows := make([]OwnershipRow, 0, len(m.dirty))
	for _, r := range m.dirty {
		rows = append(rows, r)
	}
	clear(m.dirty)
	m.ownMu.Unlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].GUID < rows[j].GUID })
	return rows
}

// RequeueOwnership puts rows back after a failed flush unless a newer change
// for the same guid arrived meanwhile.
func (m *Manager) RequeueOwnership(rows []OwnershipRow) {
	m.ownMu.Lock()
	defer m.ownMu.Unlock()
	for _, r := range rows {
		if _, newer := m.dirty[r.GUID]; !newer {
			m.dirty[r.GUID] = r
		}
	}
}

// boundary set

func (st *mapState) set(pid uint32) *boundarySet {
	b := st.boundary[pid]
	if b == nil {
		b = newBoundarySet()
		st.boundary[pid] = b
	}
	return b
}

func (m *Manager) RegisterBoundaryObject(mapID, pid uint32, id ecs.EntityID) {
	if id.IsZero() {
		return
	}
	st := m.mapFor(mapID)
	st.mu.Lock()
	st.set(pid).register(id)
	st.mu.Unlock()
}

func (m *Manager) UnregisterBoundaryObject(mapID, pid uint32, id ecs.EntityID) {
	st := m.mapFor(mapID)
	st.mu.Lock()
	if b := st.boundary[pid]; b != nil {
		b.remove(id)
	}
	st.mu.Unlock()
}

func (m *Manager) BatchUpdateBoundaryPositions(mapID, pid uint32, updates []BoundaryPosition) {
	if len(updates) == 0 {
		return
	}
	st := m.mapFor(mapID)
	st.mu.Lock()
	b := st.set(pid)
	for _, u := range updates {
		if !u.ID.IsZero() {
			b.update(u.ID, u.X, u.Y)
		}
	}
	st.mu.Unlock()
}

func (m *Manager) BatchUnregisterBoundary(mapID, pid uint32, ids []ecs.EntityID) {
	if len(ids) == 0 {
		return
	}
	st := m.mapFor(mapID)
	st.mu.Lock()
	if b := st.boundary[pid]; b != nil {
		for _, id := range ids {
			b.remove(id)
		}
	}
	st.mu.Unlock()
}

func (m *Manager) IsInBoundarySet(mapID, pid uint32, id ecs.EntityID) bool {
	st := m.mapFor(mapID)
	st.mu.Lock()
	defer st.mu.Unlock()
	b := st.boundary[pid]
	if b == nil {
		return false
	}
	_, ok := b.members[id]
	return ok
}

// BoundaryObjects lists the boundary set of (mapID, pid) in id order.
func (m *Manager) BoundaryObjects(mapID, pid uint32) []ecs.EntityID {
	st := m.mapFor(mapID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if b := st.boundary[pid]; b != nil {
		return b.ids()
	}
	return nil
}

// NearbyBoundaryObjects returns the positioned boundary objects within radius.
func (m *Manager) NearbyBoundaryObjects(mapID, pid uint32, x, y, radius float64) []ecs.EntityID {
	st := m.mapFor(mapID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if b := st.boundary[pid]; b != nil {
		return b.nearby(x, y, radius)
	}
	return nil
}

func (m *Manager) BoundaryCount(mapID, pid uint32) int {
	st := m.mapFor(mapID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if b := st.boundary[pid]; b != nil {
		return len(b.members)
	}
	return 0
}

// counters

func (st *mapState) statsFor(pid uint32) *Stats {
	s := st.stats[pid]
	if s == nil {
		s = &Stats{}
		st.stats[pid] = s
	}
	return s
}

func (m *Manager) UpdatePlayerCount(mapID, pid, n uint32) {
	st := m.mapFor(mapID)
	st.mu.Lock()
	st.statsFor(pid).Players = n
	st.mu.Unlock()
}

func (m *Manager) UpdateCreatureCount(mapID, pid, n uint32) {
	st := m.mapFor(mapID)
	st.mu.Lock()
	st.statsFor(pid).Creatures = n
	st.mu.Unlock()
}

func (m *Manager) UpdateBoundaryCount(mapID, pid, n uint32) {
	st := m.mapFor(mapID)
	st.mu.Lock()
	st.statsFor(pid).Boundary = n
	st.mu.Unlock()
}

func (m *Manager) Stats(mapID, pid uint32) (Stats, bool) {
	st := m.mapFor(mapID)
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.stats[pid]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

func (m *Manager) NotifyAttach(mapID, pid uint32, id ecs.EntityID) {
	st := m.mapFor(mapID)
	st.mu.Lock()
	set := st.visibility[pid]
	if set == nil {
		set = make(map[ecs.EntityID]struct{})
		st.visibility[pid] = set
	}
	set[id] = struct{}{}
	st.mu.Unlock()
	m.log.Debug("visibility attach", zap.Stringer("entity", id), zap.Uint32("map", mapID), zap.Uint32("partition", pid))
}

func (m *Manager) NotifyDetach(mapID, pid uint32, id ecs.EntityID) {
	st := m.mapFor(mapID)
	st.mu.Lock()
	delete(st.visibility[pid], id)
	st.mu.Unlock()
	m.log.Debug("visibility detach", zap.Stringer("entity", id), zap.Uint32("map", mapID), zap.Uint32("partition", pid))
}

func (m *Manager) VisibilityCount(mapID, pid uint32) int {
	st := m.mapFor(mapID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.visibility[pid])
}

func (m *Manager) RecordCombatHandoff(mapID uint32) { m.mapFor(mapID).combatHandoffs.Add(1) }
func (m *Manager) RecordPathHandoff(mapID uint32)   { m.mapFor(mapID).pathHandoffs.Add(1) }

func (m *Manager) ConsumeCombatHandoffs(mapID uint32) uint32 {
	return m.mapFor(mapID).combatHandoffs.Swap(0)
}

func (m *Manager) ConsumePathHandoffs(mapID uint32) uint32 {
	return m.mapFor(mapID).pathHandoffs.Swap(0)
}

var _ Oracle = (*Manager)(nil)
