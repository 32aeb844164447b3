// Package control implements the driver state machine (component H): the
// goroutine that owns the scripting host and the current memory backend,
// connecting, verifying the active game, and ticking the game watcher.
package control

import (
	"context"
	"io"
	"time"

	"github.com/lilDavid/GameCube-UAT-Bridge/internal/logger"
	"github.com/lilDavid/GameCube-UAT-Bridge/internal/memaccess"
	"github.com/lilDavid/GameCube-UAT-Bridge/internal/script"
	"github.com/lilDavid/GameCube-UAT-Bridge/internal/uat"
)

// GCNBaseAddress is the virtual address the currently running game's header
// is mapped at: a 6-byte game ID followed by a disc number and revision
// byte.
const GCNBaseAddress = 0x80000000

const (
	// ConnectionAttemptInterval is the sleep between backend-connect retries.
	ConnectionAttemptInterval = 5 * time.Second
	// GameWatchInterval is the tick period while a game interface is Active.
	GameWatchInterval = 500 * time.Millisecond
)

// State is one of the four control-loop states (spec.md §4.H).
type State int

const (
	Disconnected State = iota
	Connecting
	Verifying
	Active
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Verifying:
		return "Verifying"
	case Active:
		return "Active"
	default:
		return "Unknown"
	}
}

// BackendFactory produces a fresh, connected memory backend — e.g. dialing
// the remote console or attaching to a local emulator. Returning an error
// keeps the loop in Connecting and retries after ConnectionAttemptInterval.
type BackendFactory func(ctx context.Context) (memaccess.Backend, error)

// Loop is the driver (component H). It is the sole writer to Store and the
// goroutine that drives Host. Store is safe to read concurrently from
// elsewhere via its own mutex; Host is not safe for concurrent use — it is
// single-threaded by design, spec.md §5.
type Loop struct {
	Factory BackendFactory
	Host    *script.Host
	Store   *uat.VariableStore
	Server  *uat.Server

	state   State
	backend memaccess.Backend
}

// Run drives the state machine until ctx is canceled, returning ctx.Err().
// Every other failure — a dead backend, a VerifyFunc panic, a GameWatcher
// error — is logged and dropped; per spec.md §4.H this loop never exits
// because of them.
func (l *Loop) Run(ctx context.Context) error {
	l.transition(Disconnected)
	for {
		if err := ctx.Err(); err != nil {
			l.closeBackend()
			return err
		}
		switch l.state {
		case Disconnected, Connecting:
			if !l.connect(ctx) {
				continue
			}
			l.transition(Verifying)
		case Verifying:
			if l.verify(ctx) {
				l.transition(Active)
			} else {
				l.sleepOrDone(ctx, ConnectionAttemptInterval)
				l.transition(Disconnected)
			}
		case Active:
			l.tick(ctx)
			if l.state == Active {
				l.sleepOrDone(ctx, GameWatchInterval)
			}
		}
	}
}

func (l *Loop) transition(s State) {
	if l.state != s {
		logger.Log.Info("control: state transition", "from", l.state.String(), "to", s.String())
	}
	l.state = s
}

// connect attempts one backend-factory call, binding the host to the result
// on success. Returns false on failure after sleeping
// ConnectionAttemptInterval (the loop stays in Connecting and retries).
func (l *Loop) connect(ctx context.Context) bool {
	l.transition(Connecting)
	backend, err := l.Factory(ctx)
	if err != nil {
		logger.Log.Warn("control: backend connect failed", "error", err)
		l.sleepOrDone(ctx, ConnectionAttemptInterval)
		return false
	}
	l.closeBackend()
	l.backend = backend
	l.Host.SetBackend(backend)
	l.Host.SetContext(ctx)
	return true
}

// verify reads the running game's ID and revision and asks the host to
// select the first matching game interface.
func (l *Loop) verify(ctx context.Context) bool {
	l.Host.SetContext(ctx)
	gameID, revision, err := readGameHeader(ctx, l.backend)
	if err != nil {
		logger.Log.Warn("control: could not read game header", "error", err)
		return false
	}
	if gameID == "" {
		return false
	}
	name, ok := l.Host.SelectGameInterface(gameID, revision)
	if ok {
		logger.Log.Info("control: game interface selected", "interface", name, "game_id", gameID)
		if l.Server != nil && l.Server.Info != nil {
			l.Server.Broadcast([]uat.ServerCommand{l.Server.Info()})
		}
	}
	return ok
}

// tick runs one Active-state sampling pass: re-verify, sample, diff, and
// fan out. A verification failure or read error drops back to Disconnected.
func (l *Loop) tick(ctx context.Context) {
	l.Host.SetContext(ctx)

	gameID, revision, err := readGameHeader(ctx, l.backend)
	if err != nil {
		logger.Log.Warn("control: lost connection to backend", "error", err)
		l.Host.Deselect()
		l.transition(Disconnected)
		return
	}

	ok, err := l.Host.VerifySelected(gameID, revision)
	if err != nil {
		logger.Log.Warn("control: VerifyFunc errored, dropping interface", "error", err)
		l.Host.Deselect()
		l.transition(Disconnected)
		return
	}
	if !ok {
		logger.Log.Info("control: active interface no longer verifies, dropping")
		l.Host.Deselect()
		l.transition(Disconnected)
		return
	}

	vars, err := l.Host.RunGameWatcher()
	if err != nil {
		logger.Log.Warn("control: GameWatcher errored, dropping tick", "error", err)
		return
	}

	var changed []uat.Variable
	for _, v := range vars {
		if l.Store.Update(v.Name, v.Value) {
			changed = append(changed, uat.Variable{Name: v.Name, Value: v.Value})
		}
	}
	if len(changed) > 0 && l.Server != nil {
		l.Server.Broadcast(uat.VarCommandsFromVariables(changed))
	}
}

func (l *Loop) sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (l *Loop) closeBackend() {
	if l.backend == nil {
		return
	}
	if closer, ok := l.backend.(io.Closer); ok {
		closer.Close()
	}
	l.backend = nil
}

// readGameHeader reads the 6-byte game ID and revision byte from the
// running game's header. An all-zero or non-ASCII ID (no disc booted yet)
// is reported as "".
func readGameHeader(ctx context.Context, backend memaccess.Backend) (string, int, error) {
	result, err := memaccess.ReadSingle(ctx, backend, memaccess.Direct(GCNBaseAddress, 8))
	if err != nil {
		return "", 0, err
	}
	if result == nil || !isPrintableASCII(result[:6]) {
		return "", 0, nil
	}
	return string(result[:6]), int(result[7]), nil
}

func isPrintableASCII(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}
