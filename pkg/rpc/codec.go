package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Wire types, in the style of an explicit header/payload encoding, built
// to spec.md's requirement of stable field numbers and forward-compatible
// unknown-field skipping: every field is a (tag, wiretype) pair followed
// by a varint or a length-prefixed blob.
type wireType byte

const (
	wireVarint wireType = 0
	wireBytes  wireType = 2
)

// Field numbers. Part of the wire format; never renumber.
const (
	fieldMsgType         = 1
	fieldMsgKey          = 2
	fieldMsgRecord       = 3
	fieldMsgCloserPeers  = 8
	fieldMsgProviderPeer = 9
	fieldMsgClusterLevel = 10
	fieldMsgSenderRecord = 15

	fieldRecordKey          = 1
	fieldRecordValue        = 2
	fieldRecordTimeReceived = 5

	fieldPeerID           = 1
	fieldPeerAddrs        = 2
	fieldPeerSignedRecord = 15
)

var (
	ErrMalformedFrame       = errors.New("rpc: malformed frame")
	ErrUnknownKind          = errors.New("rpc: unknown message type")
	ErrFrameTooLarge        = errors.New("rpc: frame exceeds maximum message size")
	ErrUnauthorizedProvider = errors.New("rpc: provider_peer id does not match stream-authenticated remote peer")
)

// MaxMessageSize bounds a single decoded frame, guarding against
// unbounded allocation from a hostile length prefix.
const MaxMessageSize = 4 << 20 // 4 MiB

func putTag(buf *bytes.Buffer, field int, wt wireType) {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, uint64(field)<<3|uint64(wt))
	buf.Write(tmp[:n])
}

func putVarintField(buf *bytes.Buffer, field int, v uint64) {
	putTag(buf, field, wireVarint)
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, v)
	buf.Write(tmp[:n])
}

func putBytesField(buf *bytes.Buffer, field int, v []byte) {
	putTag(buf, field, wireBytes)
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, uint64(len(v)))
	buf.Write(tmp[:n])
	buf.Write(v)
}

// EncodeRecord serializes a Record embedded-message per spec.md §6.1.
func EncodeRecord(r *Record) []byte {
	buf := new(bytes.Buffer)
	putBytesField(buf, fieldRecordKey, r.Key)
	putBytesField(buf, fieldRecordValue, r.Value)
	putBytesField(buf, fieldRecordTimeReceived, []byte(r.TimeReceived.UTC().Format(time.RFC3339)))
	return buf.Bytes()
}

// DecodeRecord parses a Record embedded-message, ignoring unknown fields.
func DecodeRecord(data []byte) (*Record, error) {
	r := &Record{}
	err := walkFields(data, func(field int, wt wireType, raw []byte, uv uint64) error {
		switch field {
		case fieldRecordKey:
			r.Key = append([]byte(nil), raw...)
		case fieldRecordValue:
			r.Value = append([]byte(nil), raw...)
		case fieldRecordTimeReceived:
			t, err := time.Parse(time.RFC3339, string(raw))
			if err != nil {
				return fmt.Errorf("rpc: invalid time_received: %w", err)
			}
			r.TimeReceived = t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// EncodePeer serializes a Peer embedded-message per spec.md §6.1.
func EncodePeer(p *Peer) []byte {
	buf := new(bytes.Buffer)
	putBytesField(buf, fieldPeerID, p.ID)
	for _, a := range p.Addrs {
		putBytesField(buf, fieldPeerAddrs, a)
	}
	if len(p.SignedRecord) > 0 {
		putBytesField(buf, fieldPeerSignedRecord, p.SignedRecord)
	}
	return buf.Bytes()
}

// DecodePeer parses a Peer embedded-message, ignoring unknown fields.
func DecodePeer(data []byte) (*Peer, error) {
	p := &Peer{}
	err := walkFields(data, func(field int, wt wireType, raw []byte, uv uint64) error {
		switch field {
		case fieldPeerID:
			p.ID = append([]byte(nil), raw...)
		case fieldPeerAddrs:
			p.Addrs = append(p.Addrs, append([]byte(nil), raw...))
		case fieldPeerSignedRecord:
			p.SignedRecord = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Encode serializes a Message per spec.md §6.1. Unset optional fields are
// simply omitted.
func Encode(m *Message) ([]byte, error) {
	if m.Type > Ping {
		return nil, ErrUnknownKind
	}
	buf := new(bytes.Buffer)
	putVarintField(buf, fieldMsgType, uint64(m.Type))
	if m.Key != nil {
		putBytesField(buf, fieldMsgKey, m.Key)
	}
	if m.Record != nil {
		putBytesField(buf, fieldMsgRecord, EncodeRecord(m.Record))
	}
	for i := range m.CloserPeers {
		putBytesField(buf, fieldMsgCloserPeers, EncodePeer(&m.CloserPeers[i]))
	}
	for i := range m.ProviderPeers {
		putBytesField(buf, fieldMsgProviderPeer, EncodePeer(&m.ProviderPeers[i]))
	}
	putVarintField(buf, fieldMsgClusterLevel, uint64(uint32(m.ClusterLevel)))
	if len(m.SenderRecord) > 0 {
		putBytesField(buf, fieldMsgSenderRecord, m.SenderRecord)
	}
	return buf.Bytes(), nil
}

// Decode parses a Message, ignoring any field numbers it does not
// recognize (spec.md §6.1: "unknown to a reader MUST be ignored").
func Decode(data []byte) (*Message, error) {
	m := &Message{}
	sawType := false
	err := walkFields(data, func(field int, wt wireType, raw []byte, uv uint64) error {
		switch field {
		case fieldMsgType:
			if uv > uint64(Ping) {
				return ErrUnknownKind
			}
			m.Type = Kind(uv)
			sawType = true
		case fieldMsgKey:
			m.Key = append([]byte(nil), raw...)
		case fieldMsgRecord:
			rec, err := DecodeRecord(raw)
			if err != nil {
				return err
			}
			m.Record = rec
		case fieldMsgCloserPeers:
			p, err := DecodePeer(raw)
			if err != nil {
				return err
			}
			m.CloserPeers = append(m.CloserPeers, *p)
		case fieldMsgProviderPeer:
			p, err := DecodePeer(raw)
			if err != nil {
				return err
			}
			m.ProviderPeers = append(m.ProviderPeers, *p)
		case fieldMsgClusterLevel:
			m.ClusterLevel = int32(uv)
		case fieldMsgSenderRecord:
			m.SenderRecord = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sawType {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedFrame)
	}
	return m, nil
}

// walkFields iterates the (tag, value) pairs of a tag-length-value buffer,
// invoking fn for every field it can parse. Unknown field numbers still
// invoke fn (so list fields anywhere in a message can dispatch) but
// callers ignore ones they don't switch on; malformed tags/lengths abort
// with ErrMalformedFrame.
func walkFields(data []byte, fn func(field int, wt wireType, raw []byte, uv uint64) error) error {
	for len(data) > 0 {
		tag, n := binary.Uvarint(data)
		if n <= 0 {
			return fmt.Errorf("%w: bad tag", ErrMalformedFrame)
		}
		data = data[n:]
		field := int(tag >> 3)
		wt := wireType(tag & 0x7)

		switch wt {
		case wireVarint:
			v, n := binary.Uvarint(data)
			if n <= 0 {
				return fmt.Errorf("%w: bad varint for field %d", ErrMalformedFrame, field)
			}
			data = data[n:]
			if err := fn(field, wt, nil, v); err != nil {
				return err
			}
		case wireBytes:
			ln, n := binary.Uvarint(data)
			if n <= 0 {
				return fmt.Errorf("%w: bad length for field %d", ErrMalformedFrame, field)
			}
			data = data[n:]
			if ln > uint64(len(data)) {
				return fmt.Errorf("%w: truncated field %d", ErrMalformedFrame, field)
			}
			raw := data[:ln]
			data = data[ln:]
			if err := fn(field, wt, raw, 0); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown wire type %d for field %d", ErrMalformedFrame, wt, field)
		}
	}
	return nil
}

// WriteMessage frames m as `<uvarint length><message bytes>` and writes it
// to w, per spec.md §6.1's on-stream framing.
func WriteMessage(w io.Writer, m *Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(payload)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return fmt.Errorf("rpc: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("rpc: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads one `<uvarint length><message bytes>` frame from r and
// decodes it.
func ReadMessage(r io.Reader) (*Message, error) {
	ln, err := binary.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, fmt.Errorf("rpc: read length prefix: %w", err)
	}
	if ln > MaxMessageSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("rpc: read payload: %w", err)
		}
	}
	return Decode(payload)
}

// byteReader adapts an io.Reader to io.ByteReader one byte at a time, as
// required by binary.ReadUvarint. Stream transports are expected to be
// buffered by the host; this package does not add its own buffering.
type byteReader struct{ r io.Reader }

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
