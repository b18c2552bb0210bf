package protocol

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrDecode matches every error returned by Decode.
var ErrDecode = errors.New("decode message")

// DecodeError describes why a payload could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode message: %s: %v", e.Reason, e.Err)
	}
	return "decode message: " + e.Reason
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func (e *DecodeError) Unwrap() error { return e.Err }

// Envelope field numbers.
const (
	fieldVersion protowire.Number = 1
	fieldType    protowire.Number = 2
	fieldBody    protowire.Number = 3
)

// Encode serializes m into a versioned envelope.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode message: nil message")
	}
	body, err := encodeBody(m)
	if err != nil {
		return nil, err
	}

	b := make([]byte, 0, len(body)+8)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, Version)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type()))
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b, nil
}

func encodeBody(m Message) ([]byte, error) {
	var b []byte
	switch v := m.(type) {
	case PingRequest:
		b = appendString(b, 1, v.ClientID)
		b = appendVarint(b, 2, uint64(v.Timestamp))
	case PingReply:
		b = appendString(b, 1, v.ClientID)
		if v.Alive {
			b = appendVarint(b, 2, 1)
		}
		b = appendVarint(b, 3, uint64(v.Timestamp))
	case CommandRequest:
		b = appendString(b, 1, v.Path)
		b = appendString(b, 2, v.Action)
	case CommandReply:
		b = appendVarint(b, 1, uint64(v.Outcome))
		b = appendString(b, 2, v.Detail)
	case BadgeRequest:
		b = appendString(b, 1, v.Path)
	case BadgeReply:
		b = appendString(b, 1, v.Path)
		b = appendVarint(b, 2, uint64(v.State))
	case FolderUpdate:
		b = appendVarint(b, 1, v.Seq)
		for _, path := range v.Paths {
			b = protowire.AppendTag(b, 2, protowire.BytesType)
			b = protowire.AppendString(b, path)
		}
	case ErrorReply:
		b = appendVarint(b, 1, uint64(v.Code))
		b = appendString(b, 2, v.Message)
	default:
		return nil, fmt.Errorf("encode message: unsupported type %T", m)
	}
	return b, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Decode parses an envelope produced by Encode. Unknown fields are skipped; unknown enum
// values are preserved. Anything else that does not parse yields a *DecodeError.
func Decode(data []byte) (Message, error) {
	var (
		version            uint64
		typ                uint32
		body               []byte
		hasVersion, hasTyp bool
		hasBody            bool
	)

	r := fieldReader{b: data}
	for r.next() {
		switch r.num {
		case fieldVersion:
			version = r.varint()
			hasVersion = true
		case fieldType:
			typ = r.uint32()
			hasTyp = true
		case fieldBody:
			body = r.bytes()
			hasBody = true
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return nil, r.err
	}

	switch {
	case !hasVersion:
		return nil, &DecodeError{Reason: "missing version"}
	case version != Version:
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported protocol version %d", version)}
	case !hasTyp:
		return nil, &DecodeError{Reason: "missing message type"}
	case !hasBody:
		return nil, &DecodeError{Reason: "missing message body"}
	}
	return decodeBody(Type(typ), body)
}

func decodeBody(t Type, body []byte) (Message, error) {
	r := fieldReader{b: body}
	var m Message

	switch t {
	case TypePingRequest:
		var v PingRequest
		for r.next() {
			switch r.num {
			case 1:
				v.ClientID = r.str()
			case 2:
				v.Timestamp = int64(r.varint())
			default:
				r.skip()
			}
		}
		m = v
	case TypePingReply:
		var v PingReply
		for r.next() {
			switch r.num {
			case 1:
				v.ClientID = r.str()
			case 2:
				v.Alive = r.varint() != 0
			case 3:
				v.Timestamp = int64(r.varint())
			default:
				r.skip()
			}
		}
		m = v
	case TypeCommandRequest:
		var v CommandRequest
		for r.next() {
			switch r.num {
			case 1:
				v.Path = r.str()
			case 2:
				v.Action = r.str()
			default:
				r.skip()
			}
		}
		m = v
	case TypeCommandReply:
		var v CommandReply
		for r.next() {
			switch r.num {
			case 1:
				v.Outcome = Outcome(r.uint32())
			case 2:
				v.Detail = r.str()
			default:
				r.skip()
			}
		}
		m = v
	case TypeBadgeRequest:
		var v BadgeRequest
		for r.next() {
			switch r.num {
			case 1:
				v.Path = r.str()
			default:
				r.skip()
			}
		}
		m = v
	case TypeBadgeReply:
		var v BadgeReply
		for r.next() {
			switch r.num {
			case 1:
				v.Path = r.str()
			case 2:
				v.State = BadgeState(r.uint32())
			default:
				r.skip()
			}
		}
		m = v
	case TypeFolderUpdate:
		var v FolderUpdate
		for r.next() {
			switch r.num {
			case 1:
				v.Seq = r.varint()
			case 2:
				v.Paths = append(v.Paths, r.str())
			default:
				r.skip()
			}
		}
		m = v
	case TypeError:
		var v ErrorReply
		for r.next() {
			switch r.num {
			case 1:
				v.Code = ErrorCode(r.uint32())
			case 2:
				v.Message = r.str()
			default:
				r.skip()
			}
		}
		m = v
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown message type %d", t)}
	}

	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// fieldReader walks protobuf-style fields. After the first error it stops and keeps the
// error in err.
type fieldReader struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func (r *fieldReader) next() bool {
	if r.err != nil || len(r.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.fail("invalid field tag", protowire.ParseError(n))
		return false
	}
	r.b = r.b[n:]
	r.num, r.typ = num, typ
	return true
}

func (r *fieldReader) varint() uint64 {
	if !r.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.fail(fmt.Sprintf("field %d", r.num), protowire.ParseError(n))
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) uint32() uint32 {
	v := r.varint()
	if v > math.MaxUint32 {
		r.fail(fmt.Sprintf("field %d value %d out of range", r.num, v), nil)
		return 0
	}
	return uint32(v)
}

func (r *fieldReader) bytes() []byte {
	if !r.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.fail(fmt.Sprintf("field %d", r.num), protowire.ParseError(n))
		return nil
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) str() string {
	return string(r.bytes())
}

func (r *fieldReader) skip() {
	n := protowire.ConsumeFieldValue(r.num, r.typ, r.b)
	if n < 0 {
		r.fail(fmt.Sprintf("unknown field %d", r.num), protowire.ParseError(n))
		return
	}
	r.b = r.b[n:]
}

func (r *fieldReader) expect(typ protowire.Type) bool {
	if r.typ != typ {
		r.fail(fmt.Sprintf("field %d has wire type %d, want %d", r.num, r.typ, typ), nil)
		return false
	}
	return true
}

func (r *fieldReader) fail(reason string, err error) {
	if r.err == nil {
		r.err = &DecodeError{Reason: reason, Err: err}
	}
	r.b = nil
}
