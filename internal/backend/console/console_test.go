package console

import (
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/lilDavid/GameCube-UAT-Bridge/internal/memaccess"
)

func TestPackPacketsRollback(t *testing.T) {
	caps := Capabilities{MaxAddresses: 4, MaxInputBytes: 24}
	reqs := []memaccess.Read{
		memaccess.Direct(0, 4),
		memaccess.Direct(4, 4),
		memaccess.Direct(8, 4),
		memaccess.Direct(12, 4),
	}

	packets := packPackets(reqs, caps)
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}
	if len(packets[0]) != 3 {
		t.Errorf("packet 1 has %d reads, want 3", len(packets[0]))
	}
	if len(packets[1]) != 1 {
		t.Errorf("packet 2 has %d reads, want 1", len(packets[1]))
	}
}

func TestPackPacketsRespectsAddressSlotClamp(t *testing.T) {
	// max_addresses reported as 32, but the wire format's address_index is
	// 4 bits — packets must still clamp to 16 per request.
	caps := Capabilities{MaxAddresses: 32, MaxInputBytes: 1 << 20}
	reqs := make([]memaccess.Read, 20)
	for i := range reqs {
		reqs[i] = memaccess.Direct(uint32(i*4), 4)
	}
	packets := packPackets(reqs, caps)
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}
	if len(packets[0]) != 16 || len(packets[1]) != 4 {
		t.Errorf("packet sizes = %d, %d; want 16, 4", len(packets[0]), len(packets[1]))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	packet := []memaccess.Read{
		memaccess.Indirect(0xA, 0, 4),
		memaccess.Indirect(0xB, 0, 4),
	}
	data := encodePacket(packet)

	wantHeader := []byte{opReadCommands, 2, 2, 1}
	if !reflect.DeepEqual(data[:4], wantHeader) {
		t.Errorf("header = %v, want %v", data[:4], wantHeader)
	}

	// Fabricate a response: request 0 succeeds with 4 bytes, request 1
	// (dereferences to null) fails.
	resp := []byte{0b00000001, 0xAA, 0xBB, 0xCC, 0xDD}
	results, err := decodeResponse(resp, packet)
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}
	if !reflect.DeepEqual(results[0], memaccess.Result{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Errorf("results[0] = %v", results[0])
	}
	if results[1] != nil {
		t.Errorf("results[1] = %v, want nil", results[1])
	}
}

func TestEncodePacketOffsetBytes(t *testing.T) {
	offset := int16(-2)
	data := encodePacket([]memaccess.Read{memaccess.Indirect(0x1000, offset, 4)})
	// header(4) + address(4) + flag+size(2) + offset(2) = 12
	if len(data) != 12 {
		t.Fatalf("len(data) = %d, want 12", len(data))
	}
	flags := data[8]
	if flags&flagHasOffset == 0 {
		t.Errorf("expected HAS_OFFSET flag set")
	}
	if flags&flagHasRead == 0 {
		t.Errorf("expected HAS_READ flag set")
	}
	gotOffset := int16(binary.BigEndian.Uint16(data[10:12]))
	if gotOffset != offset {
		t.Errorf("encoded offset = %d, want %d", gotOffset, offset)
	}
}
