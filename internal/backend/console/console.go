// Package console implements the remote console memory backend (component B
// of the spec): a TCP client speaking the console's binary debug protocol,
// including the batch packer that flattens an arbitrary read list into
// packet-sized transactions.
package console

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/lilDavid/GameCube-UAT-Bridge/internal/memaccess"
)

// Port is the fixed TCP port the console's debug protocol listens on.
const Port = 43673

// maxOutputBufferCap bounds the receive buffer even if a console reports an
// implausibly large max_output_bytes at handshake.
const maxOutputBufferCap = 1 << 20

// maxAddressSlots is the hard 4-bit ceiling on per-packet operation count —
// the wire format's address_index field is 4 bits regardless of what
// max_addresses a given console reports.
const maxAddressSlots = 16

const (
	opReadCommands  byte = 0
	opRequestVersion byte = 1
)

const (
	flagHasRead   byte = 0x80
	flagHasOffset byte = 0x10
)

// Capabilities are the console's reported protocol limits, queried once at
// connect time and used to bound every subsequent batch.
type Capabilities struct {
	ProtocolVersion uint32
	MaxInputBytes   uint32
	MaxOutputBytes  uint32
	MaxAddresses    uint32
}

func (c Capabilities) addressSlots() int {
	n := int(c.MaxAddresses)
	if n <= 0 || n > maxAddressSlots {
		n = maxAddressSlots
	}
	return n
}

// Backend is a connected console memory backend.
type Backend struct {
	conn net.Conn
	caps Capabilities
	recv []byte
}

// Dial connects to the console's debug protocol at addr:Port and performs
// the version handshake.
func Dial(ctx context.Context, addr string) (*Backend, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, fmt.Sprint(Port)))
	if err != nil {
		return nil, fmt.Errorf("console: dial %s: %w", addr, err)
	}

	b := &Backend{conn: conn, recv: make([]byte, 1024)}
	caps, err := b.handshake()
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.caps = caps

	bufSize := int(caps.MaxOutputBytes)
	if bufSize < 1024 {
		bufSize = 1024
	}
	if bufSize > maxOutputBufferCap {
		bufSize = maxOutputBufferCap
	}
	b.recv = make([]byte, bufSize)

	return b, nil
}

// Capabilities returns the capabilities reported at connect time.
func (b *Backend) Capabilities() Capabilities {
	return b.caps
}

// Close closes the underlying TCP connection.
func (b *Backend) Close() error {
	return b.conn.Close()
}

func (b *Backend) handshake() (Capabilities, error) {
	resp, err := b.roundTrip([]byte{opRequestVersion, 0, 0, 1})
	if err != nil {
		return Capabilities{}, fmt.Errorf("console: version handshake: %w", err)
	}
	if len(resp) < 16 {
		return Capabilities{}, fmt.Errorf("console: version handshake response too short (%d bytes)", len(resp))
	}
	return Capabilities{
		ProtocolVersion: binary.BigEndian.Uint32(resp[0:4]),
		MaxInputBytes:   binary.BigEndian.Uint32(resp[4:8]),
		MaxOutputBytes:  binary.BigEndian.Uint32(resp[8:12]),
		MaxAddresses:    binary.BigEndian.Uint32(resp[12:16]),
	}, nil
}

// roundTrip writes data and reads one response, synchronously. Zero bytes
// read is treated as a protocol error, per spec.md §4.B.
func (b *Backend) roundTrip(data []byte) ([]byte, error) {
	if _, err := b.conn.Write(data); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	n, err := b.conn.Read(b.recv)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("received no bytes")
	}
	return b.recv[:n], nil
}

// Read implements memaccess.Backend: it packs reqs into one or more
// protocol-compliant packets, sends each in turn, and reassembles the
// results in request order.
func (b *Backend) Read(ctx context.Context, reqs []memaccess.Read) ([]memaccess.Result, error) {
	results := make([]memaccess.Result, 0, len(reqs))
	for _, packet := range packPackets(reqs, b.caps) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		packetResults, err := b.sendPacket(packet)
		if err != nil {
			return nil, err
		}
		results = append(results, packetResults...)
	}
	return results, nil
}

func (b *Backend) sendPacket(packet []memaccess.Read) ([]memaccess.Result, error) {
	data := encodePacket(packet)
	if len(data) > int(b.caps.MaxInputBytes) {
		return nil, fmt.Errorf("console: packed request of %d bytes exceeds max_input_bytes %d", len(data), b.caps.MaxInputBytes)
	}
	resp, err := b.roundTrip(data)
	if err != nil {
		return nil, fmt.Errorf("console: read request: %w", err)
	}
	return decodeResponse(resp, packet)
}

// encodePacket serializes one ReadCommands packet: the 4-byte header, the
// big-endian base addresses (one per operation, per spec.md §4.B), then the
// operation descriptors.
func encodePacket(packet []memaccess.Read) []byte {
	count := len(packet)
	data := make([]byte, 0, 4+4*count+2*count)
	data = append(data, opReadCommands, byte(count), byte(count), 1)

	for _, r := range packet {
		data = binary.BigEndian.AppendUint32(data, r.Address)
	}
	for i, r := range packet {
		flags := flagHasRead | byte(i)
		if r.IsIndirect() {
			flags |= flagHasOffset
		}
		data = append(data, flags, r.Size)
		if r.IsIndirect() {
			data = binary.BigEndian.AppendUint16(data, uint16(*r.Offset))
		}
	}
	return data
}

// decodeResponse splits a response into its validation bitmap and payload,
// producing one Result per request in packet, in order.
func decodeResponse(resp []byte, packet []memaccess.Read) ([]memaccess.Result, error) {
	count := len(packet)
	bitmapLen := (count + 7) / 8
	if len(resp) < bitmapLen {
		return nil, fmt.Errorf("console: response too short for validation bitmap (%d bytes, want %d)", len(resp), bitmapLen)
	}
	bitmap := resp[:bitmapLen]
	payload := resp[bitmapLen:]

	results := make([]memaccess.Result, count)
	offset := 0
	for i, r := range packet {
		if bitmap[i/8]&(1<<(i%8)) == 0 {
			results[i] = nil
			continue
		}
		size := int(r.Size)
		if offset+size > len(payload) {
			return nil, fmt.Errorf("console: response payload truncated for request %d", i)
		}
		results[i] = append(memaccess.Result(nil), payload[offset:offset+size]...)
		offset += size
	}
	return results, nil
}

// packPackets flattens reqs into one or more packets, each satisfying:
//   - operation count ≤ min(max_addresses, 16)
//   - total packet size ≤ max_input_bytes, where total size is
//     4 (header) + 4*address_count + descriptor bytes emitted so far.
//
// It walks the list maintaining a running descriptor byte count; when
// appending the next request would violate either constraint, it rolls the
// tentative append back, flushes the current packet, and retries the
// request against a fresh one. An empty batch is never emitted.
func packPackets(reqs []memaccess.Read, caps Capabilities) [][]memaccess.Read {
	if len(reqs) == 0 {
		return nil
	}
	maxSlots := caps.addressSlots()
	maxBytes := int(caps.MaxInputBytes)

	var packets [][]memaccess.Read
	var current []memaccess.Read
	descriptorBytes := 0

	flush := func() {
		if len(current) > 0 {
			packets = append(packets, current)
			current = nil
			descriptorBytes = 0
		}
	}

	for _, r := range reqs {
		size := 2
		if r.IsIndirect() {
			size = 4
		}
		tentativeCount := len(current) + 1
		tentativeTotal := 4 + 4*tentativeCount + descriptorBytes + size

		if tentativeCount > maxSlots || (maxBytes > 0 && tentativeTotal > maxBytes) {
			flush()
			// Retry against a fresh packet. If it still doesn't fit a lone
			// packet (capabilities too small for one request), send it
			// alone anyway — the transport layer will surface the
			// resulting overflow as an error.
		}
		current = append(current, r)
		descriptorBytes += size
	}
	flush()

	return packets
}
