package scripting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/l1jgo/worldshard/internal/grid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// ErrLayerRejected is returned by LoadLayer when on_layer_load returns false.
var ErrLayerRejected = errors.New("layer rejected by script")

// Engine wraps a single gopher-lua VM. Every call takes the engine lock:
// procs arrive from several partition workers at once.
type Engine struct {
	mu  sync.Mutex
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads every script under
// scriptsDir/core, then scriptsDir/map. Missing directories are skipped.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})

	// Set API version global
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}

	for _, sub := range []string{"core", "map"} {
		p := filepath.Join(scriptsDir, sub)
		if err := e.loadDir(p); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load %s scripts: %w", sub, err)
		}
	}
	return e, nil
}

// loadDir loads all .lua files in a directory in name order.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// DoString runs a chunk in the engine VM.
func (e *Engine) DoString(src string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vm.DoString(src)
}

// HasFunc reports whether a global function name is defined.
func (e *Engine) HasFunc(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vm.GetGlobal(name).(*lua.LFunction)
	return ok
}

// call invokes global name with args and returns its single result. A
// missing function reports false without logging. Caller holds e.mu.
func (e *Engine) call(name string, args ...lua.LValue) (lua.LValue, bool) {
	fn, ok := e.vm.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return lua.LNil, false
	}
	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, args...); err != nil {
		e.log.Error("lua call error", zap.String("func", name), zap.Error(err))
		return lua.LNil, false
	}
	result := e.vm.Get(-1)
	e.vm.Pop(1)
	return result, true
}

// ProcContext is what a proc hook sees.
type ProcContext struct {
	MapID       uint32
	PartitionID uint32
	Subject     ecs.EntityID
	Other       ecs.EntityID
	Flags       uint32
	Extra       uint32
	Amount      int32
	SpellID     uint32
	IsVictim    bool
}

// ProcResult is returned by on_proc. The zero value does nothing.
type ProcResult struct {
	Threat     float64       // added to Subject's list for Other
	ApplySpell uint32        // aura put on Subject
	Duration   time.Duration // of ApplySpell; 0 = permanent
}

// OnProc calls the Lua on_proc function. Without one, or on error, the proc
// has no effect.
func (e *Engine) OnProc(ctx ProcContext) ProcResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.vm.NewTable()
	t.RawSetString("map_id", lua.LNumber(ctx.MapID))
	t.RawSetString("partition", lua.LNumber(ctx.PartitionID))
	t.RawSetString("subject", lua.LString(ctx.Subject.String()))
	t.RawSetString("other", lua.LString(ctx.Other.String()))
	t.RawSetString("flags", lua.LNumber(ctx.Flags))
	t.RawSetString("extra", lua.LNumber(ctx.Extra))
	t.RawSetString("amount", lua.LNumber(ctx.Amount))
	t.RawSetString("spell_id", lua.LNumber(ctx.SpellID))
	t.RawSetString("is_victim", lua.LBool(ctx.IsVictim))

	result, ok := e.call("on_proc", t)
	if !ok {
		return ProcResult{}
	}
	rt, ok := result.(*lua.LTable)
	if !ok {
		return ProcResult{}
	}
	return ProcResult{
		Threat:     float64(lua.LVAsNumber(rt.RawGetString("threat"))),
		ApplySpell: uint32(lInt(rt, "apply_spell")),
		Duration:   time.Duration(lInt(rt, "duration_ms")) * time.Millisecond,
	}
}

// LoadLayer calls on_layer_load(gx, gy, layer). It implements
// grid.LayerLoader; without the function every layer loads.
func (e *Engine) LoadLayer(g grid.GridCoord, layer uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	result, ok := e.call("on_layer_load", lua.LNumber(g.X), lua.LNumber(g.Y), lua.LNumber(layer))
	if ok && result == lua.LFalse {
		return fmt.Errorf("%w: grid %d,%d layer %d", ErrLayerRejected, g.X, g.Y, layer)
	}
	return nil
}

// OnMapUpdate calls on_map_update(map_id, diff_ms) once per tick.
func (e *Engine) OnMapUpdate(mapID uint32, diff time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.call("on_map_update", lua.LNumber(mapID), lua.LNumber(diff.Milliseconds()))
}

// GetNumber reads a numeric global, for tests and status output.
func (e *Engine) GetNumber(name string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.vm.GetGlobal(name).(lua.LNumber)
	return float64(n), ok
}

// lInt reads an integer field from a Lua table.
func lInt(t *lua.LTable, key string) int {
	return int(lua.LVAsNumber(t.RawGetString(key)))
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm.Close()
}

var _ grid.LayerLoader = (*Engine)(nil)
