package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lilDavid/GameCube-UAT-Bridge/internal/memaccess"
	"github.com/lilDavid/GameCube-UAT-Bridge/internal/script"
	"github.com/lilDavid/GameCube-UAT-Bridge/internal/uat"
)

type fakeBackend struct {
	header  []byte
	counter int
}

func (b *fakeBackend) Read(ctx context.Context, reqs []memaccess.Read) ([]memaccess.Result, error) {
	out := make([]memaccess.Result, len(reqs))
	for i, r := range reqs {
		switch r.Address {
		case GCNBaseAddress:
			out[i] = b.header
		case 0x80456000:
			b.counter++
			out[i] = []byte{0, 0, 0, byte(b.counter)}
		}
	}
	return out, nil
}

const loopTestScript = `
local iface = GameCube.CreateGameInterface()
iface.VerifyFunc = function(self, gameID, revision)
	return gameID == "GM8E01"
end
iface.GameWatcher = function(self, store)
	local count = GameCube.ReadAddress(GameCube, 0x80456000, 4, "unsigned")
	store.WriteVariable(store, "counter", count)
end
GameCube.AddGameInterface(GameCube, "game", iface)
`

func TestLoopConnectsVerifiesAndTicks(t *testing.T) {
	backend := &fakeBackend{header: []byte("GM8E01\x00\x00")}
	host := script.NewHost(backend)
	defer host.Close()
	if err := host.L.DoString(loopTestScript); err != nil {
		t.Fatalf("DoString: %v", err)
	}

	store := uat.NewVariableStore()
	loop := &Loop{
		Factory: func(ctx context.Context) (memaccess.Backend, error) { return backend, nil },
		Host:    host,
		Store:   store,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := loop.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() = %v, want DeadlineExceeded", err)
	}

	snap := store.Snapshot()
	if len(snap) != 1 || snap[0].Name != "counter" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if loop.state != Active {
		t.Errorf("state = %v, want Active", loop.state)
	}
}

func TestLoopStaysDisconnectedWithoutMatchingGame(t *testing.T) {
	backend := &fakeBackend{header: []byte("XXXXXX\x00\x00")}
	host := script.NewHost(backend)
	defer host.Close()
	if err := host.L.DoString(loopTestScript); err != nil {
		t.Fatalf("DoString: %v", err)
	}

	store := uat.NewVariableStore()
	loop := &Loop{
		Factory: func(ctx context.Context) (memaccess.Backend, error) { return backend, nil },
		Host:    host,
		Store:   store,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	if len(store.Snapshot()) != 0 {
		t.Errorf("expected no variables written, got %+v", store.Snapshot())
	}
}

func TestLoopRetriesOnFactoryError(t *testing.T) {
	attempts := 0
	loop := &Loop{
		Factory: func(ctx context.Context) (memaccess.Backend, error) {
			attempts++
			return nil, errors.New("connection refused")
		},
		Host:  script.NewHost(nil),
		Store: uat.NewVariableStore(),
	}
	defer loop.Host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := loop.Run(ctx)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() = %v, want DeadlineExceeded", err)
	}
	if attempts == 0 {
		t.Error("expected at least one connect attempt")
	}
	if loop.state != Disconnected && loop.state != Connecting {
		t.Errorf("state = %v, want Disconnected/Connecting", loop.state)
	}
}
