// Package memaccess defines the uniform read interface shared by every
// memory backend (local emulator, remote console) and the request/result
// shapes that flow through it.
package memaccess

import "context"

// Read describes a single memory read, either against a fixed address
// (Direct) or against an address resolved by dereferencing a pointer word
// and applying a signed offset (Indirect).
type Read struct {
	Address uint32
	Size    uint8
	// Offset is nil for a Direct read. A non-nil Offset makes this an
	// Indirect read: the 32-bit big-endian word at Address is read, Offset
	// is added to it, and the final Size bytes are read from the result.
	Offset *int16
}

// Direct builds a fixed-address read request.
func Direct(address uint32, size uint8) Read {
	return Read{Address: address, Size: size}
}

// Indirect builds a pointer-chased read request.
func Indirect(address uint32, offset int16, size uint8) Read {
	return Read{Address: address, Size: size, Offset: &offset}
}

// IsIndirect reports whether r dereferences a pointer before reading.
func (r Read) IsIndirect() bool {
	return r.Offset != nil
}

// Result is the outcome of one Read: either the requested bytes (len equal
// to the request's Size) or nil, meaning the request resolved to an invalid
// address. A transport-level failure is not represented here — it aborts
// the whole batch and is returned as an error from Backend.Read instead.
type Result = []byte

// Backend is the uniform read interface over the heterogeneous memory
// backends (component A, the in-process emulator; component B, the remote
// console). Implementations must preserve order and return one Result per
// Read in reqs, even on partial (per-request) failure.
type Backend interface {
	Read(ctx context.Context, reqs []Read) ([]Result, error)
}

// ReadSingle is a convenience wrapper around Read for the common
// single-request case.
func ReadSingle(ctx context.Context, b Backend, req Read) (Result, error) {
	results, err := b.Read(ctx, []Read{req})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}
