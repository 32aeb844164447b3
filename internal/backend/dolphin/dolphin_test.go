package dolphin

import (
	"context"
	"errors"
	"testing"

	"github.com/lilDavid/GameCube-UAT-Bridge/internal/memaccess"
)

type fakeRaw struct {
	calls []call
}

type call struct {
	size, address uint32
	offsets       []uint32
}

func (f *fakeRaw) RawRead(size, address uint32, offsets []uint32) ([]byte, error) {
	f.calls = append(f.calls, call{size, address, offsets})
	if address == 0xDEAD {
		return nil, ErrNullPointer
	}
	if address == 0xBAD {
		return nil, errors.New("boom")
	}
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(address) + byte(i)
	}
	return out, nil
}

func TestDirectPassesNoOffsets(t *testing.T) {
	raw := &fakeRaw{}
	b := New(raw)
	results, err := b.Read(context.Background(), []memaccess.Read{memaccess.Direct(0x1000, 4)})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(results) != 1 || len(results[0]) != 4 {
		t.Fatalf("unexpected results: %v", results)
	}
	if raw.calls[0].offsets != nil {
		t.Errorf("Direct read passed offsets = %v, want nil", raw.calls[0].offsets)
	}
}

func TestIndirectPassesOffsets(t *testing.T) {
	raw := &fakeRaw{}
	b := New(raw)
	_, err := b.Read(context.Background(), []memaccess.Read{memaccess.Indirect(0x1000, 0x20, 4)})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(raw.calls[0].offsets) != 1 || raw.calls[0].offsets[0] != 0x20 {
		t.Errorf("Indirect read offsets = %v, want [0x20]", raw.calls[0].offsets)
	}
}

func TestNullPointerIsNilResultNotError(t *testing.T) {
	raw := &fakeRaw{}
	b := New(raw)
	results, err := b.Read(context.Background(), []memaccess.Read{
		memaccess.Direct(0xDEAD, 4),
		memaccess.Direct(0x1000, 4),
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if results[0] != nil {
		t.Errorf("results[0] = %v, want nil", results[0])
	}
	if results[1] == nil {
		t.Errorf("results[1] = nil, want bytes")
	}
}

func TestOtherErrorAbortsBatch(t *testing.T) {
	raw := &fakeRaw{}
	b := New(raw)
	_, err := b.Read(context.Background(), []memaccess.Read{
		memaccess.Direct(0x1000, 4),
		memaccess.Direct(0xBAD, 4),
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
