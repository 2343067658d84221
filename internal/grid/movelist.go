package grid

import (
	"sync"

	"github.com/l1jgo/worldshard/internal/core/ecs"
)

// PendingMove is a cell move recorded during a partition update.
type PendingMove struct {
	ID           ecs.EntityID
	FromX, FromY float64
	ToX, ToY     float64
}

// MoveList collects cell moves from partition workers and applies them in
// one pass afterwards. Repeated moves of one entity collapse into a single
// move from the first origin to the last destination.
type MoveList struct {
	mu    sync.Mutex
	moves []PendingMove
	index map[ecs.EntityID]int
}

func NewMoveList() *MoveList {
	return &MoveList{index: make(map[ecs.EntityID]int)}
}

func (l *MoveList) Push(id ecs.EntityID, ox, oy, nx, ny float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[id]; ok {
		l.moves[i].ToX, l.moves[i].ToY = nx, ny
		return
	}
	l.index[id] = len(l.moves)
	l.moves = append(l.moves, PendingMove{ID: id, FromX: ox, FromY: oy, ToX: nx, ToY: ny})
}

func (l *MoveList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.moves)
}

// Take empties the list and returns its moves in push order.
func (l *MoveList) Take() []PendingMove {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.moves
	l.moves = nil
	clear(l.index)
	return out
}

// Flush applies every pending move to x. Moves that fail (destination off
// the map) leave the entity in its old cell and are counted in failed.
func (l *MoveList) Flush(x *Index) (moved, failed int) {
	for _, m := range l.Take() {
		if _, err := x.Move(m.ID, m.FromX, m.FromY, m.ToX, m.ToY); err != nil {
			failed++
			continue
		}
		moved++
	}
	return moved, failed
}
