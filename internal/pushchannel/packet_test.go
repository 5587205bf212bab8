package pushchannel

import (
	"bytes"
	"encoding/binary"
	"testing"
)

const testKey = "0123456789ABCDEF_extra"

func TestBuildParseRoundTrip(t *testing.T) {
	data := map[string]interface{}{"battery": float64(42)}
	buf, built, err := Build(data, DefaultLastSeqNr, true, DefaultProductID, testKey)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	parsed, err := Parse(buf, testKey)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if parsed.SeqNr != built.SeqNr {
		t.Errorf("seq mismatch: got %d want %d", parsed.SeqNr, built.SeqNr)
	}

	gotData, ok := parsed.PayloadJSON["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected decrypted data to be an object, got %T", parsed.PayloadJSON["data"])
	}
	if gotData["battery"] != float64(42) {
		t.Errorf("data mismatch: got %v", gotData)
	}
}

func TestParseBuildReconstruction(t *testing.T) {
	data := map[string]interface{}{"hello": "world"}
	buf, built, err := Build(data, 0x1111, false, 77, testKey)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	parsed, err := Parse(buf, testKey)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	// Force every build-time input back to the observed value and
	// re-encode directly (bypassing Build's random ack_nr choice) to
	// check byte-for-byte reconstruction, per spec.md invariant 2.
	forced := &Packet{
		Magic:         parsed.Magic,
		Type:          parsed.Type,
		AckNr:         built.AckNr,
		RemainingSize: parsed.RemainingSize,
		SeqNr:         parsed.SeqNr,
		ProductID:     parsed.ProductID,
		PayloadSize:   parsed.PayloadSize,
		Payload:       parsed.Payload,
	}
	rebuf, err := forced.encode()
	if err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}

	if !bytes.Equal(buf, rebuf) {
		t.Errorf("reconstruction mismatch:\n got  %x\n want %x", rebuf, buf)
	}
}

func TestTypeMismatchPassthrough(t *testing.T) {
	buf := []byte{0x00, 0x05, 0x00, 0x04, 0x00, 0x09, 'a', 'c', 'k', ':', '1', '2', '3', '4', '5'}
	p, err := Parse(buf, testKey)
	if err != nil {
		t.Fatalf("unexpected error for non-0x0003 type: %v", err)
	}
	if p.Type != 0x0004 {
		t.Errorf("expected type 0x0004, got 0x%04x", p.Type)
	}
	if p.PayloadJSON != nil {
		t.Errorf("expected nil payload json for passthrough type")
	}
}

func TestBadMagicRejected(t *testing.T) {
	buf := []byte{0x00, 0x06, 0x00, 0x03}
	_, err := Parse(buf, testKey)
	if err == nil {
		t.Fatal("expected BadMagic error")
	}
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Kind != BadMagic {
		t.Fatalf("expected BadMagic ProtocolError, got %v", err)
	}
}

func TestEncapsulatedRejected(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, Magic)
	binary.Write(&buf, binary.BigEndian, TypeData)
	ackTok := "ack:1234"
	binary.Write(&buf, binary.BigEndian, uint16(len(ackTok)))
	buf.WriteString(ackTok)
	binary.Write(&buf, binary.BigEndian, uint32(20))
	binary.Write(&buf, binary.BigEndian, uint64(1))
	binary.Write(&buf, binary.BigEndian, uint32(60008))

	payload := make([]byte, 8)
	binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)

	_, err := Parse(buf.Bytes(), testKey)
	if err == nil {
		t.Fatal("expected Encapsulated error")
	}
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Kind != Encapsulated {
		t.Fatalf("expected Encapsulated ProtocolError, got %v", err)
	}
}

func TestShortReadRejected(t *testing.T) {
	buf := []byte{0x00, 0x05, 0x00, 0x03, 0x00}
	_, err := Parse(buf, testKey)
	if err == nil {
		t.Fatal("expected ShortRead error")
	}
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Kind != ShortRead {
		t.Fatalf("expected ShortRead ProtocolError, got %v", err)
	}
}

func TestAckNrRange(t *testing.T) {
	for i := 0; i < 50; i++ {
		_, p, err := Build(map[string]interface{}{"x": 1}, DefaultLastSeqNr, false, DefaultProductID, testKey)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if p.AckNr < 1000 || p.AckNr > 99999 {
			t.Fatalf("ack_nr out of range: %d", p.AckNr)
		}
	}
}
