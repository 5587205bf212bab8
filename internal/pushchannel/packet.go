// Package pushchannel implements the binary frame format of the vendor's
// push channel: the Server_Packet wire layout, its parse/build
// operations, and the crypto envelope integration for encrypted
// payloads.
package pushchannel

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"

	logging "github.com/op/go-logging"

	"github.com/cavefire/cn360-proxy/internal/envelope"
)

var log = logging.MustGetLogger("pushchannel")

const (
	// Magic is the fixed 2-byte frame marker.
	Magic uint16 = 0x0005
	// TypeData is the only type this codec decodes further; other
	// values are retained as opaque and forwarded unchanged.
	TypeData uint16 = 0x0003
	// DefaultProductID is used when the bridge has not learned one yet.
	DefaultProductID uint32 = 60008
	// DefaultLastSeqNr is the bridge's initial sequence counter.
	DefaultLastSeqNr uint64 = 0x5A61111111111111
)

// ErrorKind enumerates ProtocolError causes, per spec.md §7.
type ErrorKind int

const (
	BadMagic ErrorKind = iota
	Encapsulated
	ShortRead
	CryptoFailure
	TypeMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case BadMagic:
		return "BadMagic"
	case Encapsulated:
		return "Encapsulated"
	case ShortRead:
		return "ShortRead"
	case CryptoFailure:
		return "CryptoFailure"
	case TypeMismatch:
		return "TypeMismatch"
	default:
		return "Unknown"
	}
}

// ProtocolError is returned by Parse for any wire-level violation.
type ProtocolError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pushchannel: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("pushchannel: %s", e.Kind)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Packet is one message on the push channel, fields in wire order.
type Packet struct {
	Magic         uint16
	Type          uint16
	AckNr         int
	RemainingSize uint32
	SeqNr         uint64
	ProductID     uint32
	PayloadSize   uint32
	Payload       []byte
	PayloadJSON   map[string]interface{}
}

type reader struct {
	data   []byte
	offset int
}

func (r *reader) take(n int) ([]byte, error) {
	if r.offset+n > len(r.data) {
		return nil, fmt.Errorf("offset %d + length %d exceeds data size %d", r.offset, n, len(r.data))
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *reader) takeUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) takeUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) takeUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Parse decodes buf as a Server_Packet. If the type field is not
// TypeData, parsing stops right after the type field: the returned
// Packet carries Magic/Type only and PayloadJSON is nil, and the caller
// is expected to forward the original bytes verbatim (the packet is
// "retained for routing but carries no payload_json", per spec.md §4.2).
func Parse(buf []byte, pushKey string) (*Packet, error) {
	r := &reader{data: buf}

	magic, err := r.takeUint16()
	if err != nil {
		return nil, &ProtocolError{Kind: ShortRead, Err: err}
	}
	if magic != Magic {
		return nil, &ProtocolError{Kind: BadMagic, Err: fmt.Errorf("got 0x%04x", magic)}
	}

	typ, err := r.takeUint16()
	if err != nil {
		return nil, &ProtocolError{Kind: ShortRead, Err: err}
	}

	p := &Packet{Magic: magic, Type: typ}
	if typ != TypeData {
		log.Debugf("packet type 0x%04x is not 0x0003, not parsed further", typ)
		return p, nil
	}

	lenAck, err := r.takeUint16()
	if err != nil {
		return nil, &ProtocolError{Kind: ShortRead, Err: err}
	}
	ackRaw, err := r.take(int(lenAck))
	if err != nil {
		return nil, &ProtocolError{Kind: ShortRead, Err: err}
	}
	ackNr, err := parseAckToken(string(ackRaw))
	if err != nil {
		return nil, &ProtocolError{Kind: ShortRead, Err: err}
	}
	p.AckNr = ackNr

	remaining, err := r.takeUint32()
	if err != nil {
		return nil, &ProtocolError{Kind: ShortRead, Err: err}
	}
	p.RemainingSize = remaining

	seq, err := r.takeUint64()
	if err != nil {
		return nil, &ProtocolError{Kind: ShortRead, Err: err}
	}
	p.SeqNr = seq

	productID, err := r.takeUint32()
	if err != nil {
		return nil, &ProtocolError{Kind: ShortRead, Err: err}
	}
	p.ProductID = productID

	payloadSize, err := r.takeUint32()
	if err != nil {
		return nil, &ProtocolError{Kind: ShortRead, Err: err}
	}
	p.PayloadSize = payloadSize

	payload, err := r.take(int(payloadSize))
	if err != nil {
		return nil, &ProtocolError{Kind: ShortRead, Err: err}
	}
	p.Payload = payload

	if len(payload) >= 4 && binary.BigEndian.Uint32(payload[:4]) == 0 {
		return nil, &ProtocolError{Kind: Encapsulated, Err: fmt.Errorf("encapsulated packet detected, not supported")}
	}

	var payloadJSON map[string]interface{}
	if err := json.Unmarshal(payload, &payloadJSON); err != nil {
		log.Warning("failed to decode payload as JSON")
		return p, nil
	}
	p.PayloadJSON = payloadJSON

	if enc, ok := payloadJSON["encrypt"]; ok && isTruthyOne(enc) {
		dataStr, _ := payloadJSON["data"].(string)
		decrypted, err := envelope.Decrypt(pushKey, dataStr)
		if err != nil {
			return nil, &ProtocolError{Kind: CryptoFailure, Err: err}
		}
		payloadJSON["data"] = decrypted
	}

	return p, nil
}

func isTruthyOne(v interface{}) bool {
	switch n := v.(type) {
	case float64:
		return n == 1
	case int:
		return n == 1
	case bool:
		return n
	default:
		return false
	}
}

func parseAckToken(tok string) (int, error) {
	const prefix = "ack:"
	if len(tok) <= len(prefix) || tok[:len(prefix)] != prefix {
		return 0, fmt.Errorf("malformed ack token %q", tok)
	}
	var n int
	if _, err := fmt.Sscanf(tok[len(prefix):], "%d", &n); err != nil {
		return 0, fmt.Errorf("malformed ack token %q: %w", tok, err)
	}
	return n, nil
}

// Build constructs a fresh, well-framed packet carrying data as its
// decrypted (or plaintext, if encrypt is false) payload, per spec.md
// §3/§4.2. last_seq_nr and product_id feed the wire fields; ack_nr is
// chosen uniformly in [1000, 99999].
func Build(data interface{}, lastSeqNr uint64, encrypt bool, productID uint32, pushKey string) ([]byte, *Packet, error) {
	var dataField interface{}
	if encrypt {
		enc, err := envelope.Encrypt(pushKey, data)
		if err != nil {
			return nil, nil, err
		}
		dataField = enc
	} else {
		dataField = data
	}

	encryptFlag := 0
	if encrypt {
		encryptFlag = 1
	}
	payloadJSON := map[string]interface{}{
		"data":    dataField,
		"devType": 3,
		"encrypt": encryptFlag,
	}
	payload, err := json.Marshal(payloadJSON)
	if err != nil {
		return nil, nil, err
	}

	ackNr := 1000 + rand.Intn(99999-1000+1)
	seqNr := lastSeqNr + uint64(ackNr)

	p := &Packet{
		Magic:         Magic,
		Type:          TypeData,
		AckNr:         ackNr,
		RemainingSize: uint32(len(payload)) + 16,
		SeqNr:         seqNr,
		ProductID:     productID,
		PayloadSize:   uint32(len(payload)),
		Payload:       payload,
		PayloadJSON:   payloadJSON,
	}

	buf, err := p.encode()
	if err != nil {
		return nil, nil, err
	}
	log.Debugf("built packet: seq=%d ack=%d size=%d", p.SeqNr, p.AckNr, len(buf))
	return buf, p, nil
}

func (p *Packet) encode() ([]byte, error) {
	if p.Payload == nil {
		return nil, fmt.Errorf("payload not set")
	}

	ackToken := fmt.Sprintf("ack:%d", p.AckNr)
	lenAck := len(ackToken)

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, p.Magic)
	binary.Write(&buf, binary.BigEndian, p.Type)
	binary.Write(&buf, binary.BigEndian, uint16(lenAck))
	buf.WriteString(ackToken)
	binary.Write(&buf, binary.BigEndian, p.RemainingSize)
	binary.Write(&buf, binary.BigEndian, p.SeqNr)
	binary.Write(&buf, binary.BigEndian, p.ProductID)
	binary.Write(&buf, binary.BigEndian, p.PayloadSize)
	buf.Write(p.Payload)

	return buf.Bytes(), nil
}
