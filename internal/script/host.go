// Package script embeds a Lua interpreter (component G) that loads
// game-specific tracker scripts: each script registers one or more game
// interfaces describing how to identify a game and how to read its memory
// into tracked variables.
package script

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/lilDavid/GameCube-UAT-Bridge/internal/logger"
	"github.com/lilDavid/GameCube-UAT-Bridge/internal/memaccess"
)

// BaseAddress is GameCube.BaseAddress, the virtual base address emulated
// memory is mapped at — scripts add this to offsets they compute themselves.
const BaseAddress = 0x80000000

// Variable is one (name, value) pair a GameWatcher invocation produced via
// WriteVariable.
type Variable struct {
	Name  string
	Value any
}

// GameInterface is one game's Name/Version/Features/Slots description plus
// its VerifyFunc/GameWatcher callbacks, as registered by a script calling
// GameCube.AddGameInterface.
type GameInterface struct {
	table *lua.LTable
}

func newGameInterface(L *lua.LState) *GameInterface {
	t := L.NewTable()
	for _, field := range []string{"Name", "Version", "Features", "Slots", "VerifyFunc", "GameWatcher"} {
		t.RawSetString(field, lua.LNil)
	}
	return &GameInterface{table: t}
}

// Name returns the Name field, or "" if unset.
func (g *GameInterface) Name() string { return stringField(g.table, "Name") }

// Version returns the Version field, or "" if unset.
func (g *GameInterface) Version() string { return stringField(g.table, "Version") }

// Features returns the Features field as a string slice, or nil if unset.
func (g *GameInterface) Features() []string { return stringArrayField(g.table, "Features") }

// Slots returns the Slots field as a string slice, or nil if unset.
func (g *GameInterface) Slots() []string { return stringArrayField(g.table, "Slots") }

func stringField(t *lua.LTable, key string) string {
	if s, ok := t.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

func stringArrayField(t *lua.LTable, key string) []string {
	table, ok := t.RawGetString(key).(*lua.LTable)
	if !ok {
		return nil
	}
	var out []string
	for i := 1; i <= table.Len(); i++ {
		if s, ok := table.RawGetInt(i).(lua.LString); ok {
			out = append(out, string(s))
		}
	}
	return out
}

// verify calls VerifyFunc(self, gameID, revision); an unset VerifyFunc
// always reports false, matching the embedded interpreter's default.
func (g *GameInterface) verify(L *lua.LState, gameID string, revision int) (bool, error) {
	fn, ok := g.table.RawGetString("VerifyFunc").(*lua.LFunction)
	if !ok {
		return false, nil
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, g.table, lua.LString(gameID), lua.LNumber(revision)); err != nil {
		return false, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return coerceBoolean(ret), nil
}

// runGameWatcher calls GameWatcher(self, store); an unset GameWatcher is a
// no-op.
func (g *GameInterface) runGameWatcher(L *lua.LState, store *lua.LTable) error {
	fn, ok := g.table.RawGetString("GameWatcher").(*lua.LFunction)
	if !ok {
		return nil
	}
	return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, g.table, store)
}

// Host is one running script instance: a Lua state bound to a memory
// backend, plus the registry of game interfaces the loaded script(s) have
// added.
type Host struct {
	L       *lua.LState
	backend memaccess.Backend
	ctx     context.Context

	mu         sync.RWMutex
	interfaces map[string]*GameInterface
	order      []string

	selectedName string
	selected     *GameInterface
}

// NewHost creates a Lua state with the GameCube global installed, reading
// through backend.
func NewHost(backend memaccess.Backend) *Host {
	h := &Host{
		L:          lua.NewState(),
		backend:    backend,
		ctx:        context.Background(),
		interfaces: make(map[string]*GameInterface),
	}
	h.L.SetGlobal("GameCube", h.buildGameCubeTable())
	return h
}

// Close releases the underlying Lua state.
func (h *Host) Close() {
	h.L.Close()
}

// SetBackend rebinds the host to a new memory backend, used by the control
// loop after each successful (re)connect.
func (h *Host) SetBackend(backend memaccess.Backend) {
	h.backend = backend
}

// SetContext sets the context used for backend reads triggered by Lua calls
// from this point on (ReadAddress/ReadPointerChain, and any VerifyFunc or
// GameWatcher call that invokes them). The control loop calls this once per
// tick before driving the host.
func (h *Host) SetContext(ctx context.Context) {
	h.ctx = ctx
}

// LoadScript executes a script file. A well-behaved script calls
// GameCube.AddGameInterface for each game it supports as a side effect of
// loading, rather than deferring registration to a later call.
func (h *Host) LoadScript(path string) error {
	return h.L.DoFile(path)
}

func (h *Host) buildGameCubeTable() *lua.LTable {
	t := h.L.NewTable()
	t.RawSetString("BaseAddress", lua.LNumber(BaseAddress))
	t.RawSetString("CreateGameInterface", h.L.NewFunction(h.luaCreateGameInterface))
	t.RawSetString("AddGameInterface", h.L.NewFunction(h.luaAddGameInterface))
	t.RawSetString("ReadAddress", h.L.NewFunction(h.luaReadAddress))
	t.RawSetString("ReadPointerChain", h.L.NewFunction(h.luaReadPointerChain))
	return t
}

func (h *Host) luaCreateGameInterface(L *lua.LState) int {
	gi := newGameInterface(L)
	L.Push(gi.table)
	return 1
}

func (h *Host) luaAddGameInterface(L *lua.LState) int {
	name := L.CheckString(2)
	table := L.CheckTable(3)

	h.mu.Lock()
	if _, exists := h.interfaces[name]; !exists {
		h.order = append(h.order, name)
	}
	h.interfaces[name] = &GameInterface{table: table}
	h.mu.Unlock()

	logger.Log.Debug("script: registered game interface", "name", name)
	return 0
}

func (h *Host) luaReadAddress(L *lua.LState) int {
	address := uint32(L.CheckNumber(2))
	size := uint8(L.CheckNumber(3))
	ty := optString(L, 4, "bytes")
	return h.pushRead(L, memaccess.Direct(address, size), ty)
}

func (h *Host) luaReadPointerChain(L *lua.LState) int {
	address := uint32(L.CheckNumber(2))
	size := uint8(L.CheckNumber(3))
	offsets := L.CheckTable(4)
	ty := optString(L, 5, "bytes")

	// memaccess.Read expresses a single pointer dereference plus offset —
	// what one remote-console round trip can carry. Only the first offset
	// in the chain is honored; deeper chains need a script-side loop of
	// individual reads instead.
	if offsets.Len() == 0 {
		return h.pushRead(L, memaccess.Direct(address, size), ty)
	}
	offset := int16(lua.LVAsNumber(offsets.RawGetInt(1)))
	return h.pushRead(L, memaccess.Indirect(address, offset, size), ty)
}

func optString(L *lua.LState, n int, def string) string {
	v := L.Get(n)
	if s, ok := v.(lua.LString); ok {
		return string(s)
	}
	return def
}

func (h *Host) pushRead(L *lua.LState, req memaccess.Read, ty string) int {
	result, err := memaccess.ReadSingle(h.ctx, h.backend, req)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	if result == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(convertBytes(result, ty))
	return 1
}

// SelectGameInterface runs VerifyFunc for every registered interface, in
// registration order, against gameID/revision and activates the first
// match. Returns ("", false) if none verify.
func (h *Host) SelectGameInterface(gameID string, revision int) (string, bool) {
	h.mu.RLock()
	order := append([]string(nil), h.order...)
	h.mu.RUnlock()

	for _, name := range order {
		h.mu.RLock()
		gi := h.interfaces[name]
		h.mu.RUnlock()

		ok, err := gi.verify(h.L, gameID, revision)
		if err != nil {
			logger.Log.Warn("script: VerifyFunc failed", "interface", name, "error", err)
			continue
		}
		if ok {
			h.selectedName = name
			h.selected = gi
			return name, true
		}
	}
	h.selectedName = ""
	h.selected = nil
	return "", false
}

// VerifySelected re-runs VerifyFunc for the currently active interface —
// used by the control loop's per-tick liveness check. Returns false, nil if
// no interface is selected.
func (h *Host) VerifySelected(gameID string, revision int) (bool, error) {
	if h.selected == nil {
		return false, nil
	}
	return h.selected.verify(h.L, gameID, revision)
}

// Selected returns the currently active game interface, if any.
func (h *Host) Selected() (*GameInterface, string, bool) {
	if h.selected == nil {
		return nil, "", false
	}
	return h.selected, h.selectedName, true
}

// Deselect clears the active game interface, e.g. after the backend
// disconnects and the control loop returns to Disconnected.
func (h *Host) Deselect() {
	h.selectedName = ""
	h.selected = nil
}

// RunGameWatcher invokes the active interface's GameWatcher, collecting
// every WriteVariable call it makes into one snapshot. Returns nil, nil if
// no interface is selected.
func (h *Host) RunGameWatcher() ([]Variable, error) {
	if h.selected == nil {
		return nil, nil
	}

	var vars []Variable
	store := h.L.NewTable()
	store.RawSetString("WriteVariable", h.L.NewFunction(func(L *lua.LState) int {
		key := L.CheckAny(2)
		value := L.CheckAny(3)

		// An unrepresentable key or value fails only this one write; the
		// rest of the GameWatcher call still runs, per spec.
		name, err := toJSONKey(key)
		if err != nil {
			logger.Log.Warn("script: WriteVariable: bad key", "error", err)
			return 0
		}
		jsonValue, err := toJSON(value)
		if err != nil {
			logger.Log.Warn("script: WriteVariable: bad value", "name", name, "error", err)
			return 0
		}
		vars = append(vars, Variable{Name: name, Value: jsonValue})
		return 0
	}))

	if err := h.selected.runGameWatcher(h.L, store); err != nil {
		return nil, fmt.Errorf("script: GameWatcher: %w", err)
	}
	return vars, nil
}
