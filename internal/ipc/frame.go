package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type frameType byte

const (
	frameRequest frameType = iota + 1
	frameReply
	framePush
	frameSubscribed
)

const (
	// MaxPayloadSize bounds one frame payload.
	MaxPayloadSize = 1 << 20

	// length(4) | type(1) | call id(8)
	frameHeaderSize = 13
	frameMetaSize   = frameHeaderSize - 4
)

var errBadFrame = errors.New("malformed frame")

type frame struct {
	typ     frameType
	id      uint64
	payload []byte
}

// writeFrame emits f in a single Write so concurrent writers only need to serialize calls.
func writeFrame(w io.Writer, f frame) error {
	if len(f.payload) > MaxPayloadSize {
		return fmt.Errorf("frame payload of %d bytes exceeds limit of %d", len(f.payload), MaxPayloadSize)
	}

	buf := make([]byte, frameHeaderSize+len(f.payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(frameMetaSize+len(f.payload)))
	buf[4] = byte(f.typ)
	binary.BigEndian.PutUint64(buf[5:frameHeaderSize], f.id)
	copy(buf[frameHeaderSize:], f.payload)

	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	if length < frameMetaSize || length-frameMetaSize > MaxPayloadSize {
		return frame{}, fmt.Errorf("%w: length %d", errBadFrame, length)
	}

	typ := frameType(header[4])
	if typ < frameRequest || typ > frameSubscribed {
		return frame{}, fmt.Errorf("%w: type %d", errBadFrame, typ)
	}

	f := frame{
		typ:     typ,
		id:      binary.BigEndian.Uint64(header[5:frameHeaderSize]),
		payload: make([]byte, length-frameMetaSize),
	}
	if _, err := io.ReadFull(r, f.payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return frame{}, err
	}
	return f, nil
}
