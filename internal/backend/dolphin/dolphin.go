// Package dolphin implements the local-emulator memory backend (component A
// of the spec): a thin adapter over a host-provided raw read primitive.
package dolphin

import (
	"context"
	"errors"
	"fmt"

	"github.com/lilDavid/GameCube-UAT-Bridge/internal/memaccess"
)

// ErrNullPointer is what a RawReader returns when a request dereferences to
// an invalid ("null pointer") address. Backend.Read maps it to a nil Result
// for that request rather than aborting the batch; any other error aborts.
var ErrNullPointer = errors.New("null pointer address")

// RawReader is the external dependency this backend delegates to — an
// in-process emulator memory API. Its process-attach details are out of
// scope for this module (spec.md §1); only the read primitive is modeled.
//
// offsets distinguishes "no offset list" (nil, used for a Direct read) from
// "an offset list" (non-nil, used for an Indirect read) — the host
// primitive treats these differently, and this interface must preserve
// that distinction rather than collapsing nil and an empty slice.
type RawReader interface {
	RawRead(size uint32, address uint32, offsets []uint32) ([]byte, error)
}

// Backend adapts a RawReader to memaccess.Backend.
type Backend struct {
	Raw RawReader
}

// New wraps raw as a memaccess.Backend.
func New(raw RawReader) *Backend {
	return &Backend{Raw: raw}
}

// Read satisfies memaccess.Backend. Each request is delegated to RawRead
// independently; a null-pointer failure on one request does not affect the
// others, but any other error aborts the whole batch.
func (b *Backend) Read(_ context.Context, reqs []memaccess.Read) ([]memaccess.Result, error) {
	results := make([]memaccess.Result, len(reqs))
	for i, req := range reqs {
		var offsets []uint32
		if req.IsIndirect() {
			offsets = []uint32{uint32(int32(*req.Offset))}
		}
		bytes, err := b.Raw.RawRead(uint32(req.Size), req.Address, offsets)
		switch {
		case errors.Is(err, ErrNullPointer):
			results[i] = nil
		case err != nil:
			return nil, fmt.Errorf("dolphin: read %d@%#x: %w", req.Size, req.Address, err)
		default:
			results[i] = bytes
		}
	}
	return results, nil
}
