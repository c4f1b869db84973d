// Package ipc implements the framed, ordered channel between the launcher
// and the supervisor.
//
// Every frame carries a fixed 32-byte big-endian header followed by the
// correlation id and a JSON payload:
//
//	magic u32 | version u16 | header_len u16 | seq u64 | reply_to u64 |
//	op u16 | flags u16 | payload_len u32 | correlation | payload
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic          uint32 = 0x57415244 // "WARD"
	Version        uint16 = 1
	FixedHeaderLen uint16 = 32

	FlagResponse uint16 = 0x01
	FlagError    uint16 = 0x02
	FlagNotify   uint16 = 0x04
)

var (
	ErrShortHeader         = errors.New("frame: short fixed header")
	ErrBadMagic            = errors.New("frame: bad magic")
	ErrUnsupportedVersion  = errors.New("frame: unsupported version")
	ErrHeaderLenTooSmall   = errors.New("frame: header_len smaller than fixed header")
	ErrPayloadTooLarge     = errors.New("frame: payload too large")
	ErrCorrelationTooLarge = errors.New("frame: correlation id too large")
)

// Header is the fixed wire header.
type Header struct {
	Magic      uint32
	Version    uint16
	HeaderLen  uint16
	Seq        uint64
	ReplyTo    uint64
	Op         Op
	Flags      uint16
	PayloadLen uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header      Header
	Correlation string
	Payload     []byte
}

// IsResponse reports whether the frame answers an earlier request.
func (f Frame) IsResponse() bool { return f.Header.Flags&FlagResponse != 0 }

// IsNotify reports whether the frame expects no response.
func (f Frame) IsNotify() bool { return f.Header.Flags&FlagNotify != 0 }

// IsError reports whether the frame carries an ErrorPayload.
func (f Frame) IsError() bool { return f.Header.Flags&FlagError != 0 }

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxCorrelationBytes uint16
	MaxPayloadBytes     uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxCorrelationBytes: 256,
		MaxPayloadBytes:     4 * 1024 * 1024,
	}
}

// ReadFrame reads one frame. A clean end of stream before any header byte
// is reported as io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	n, err := io.ReadFull(r, fixed[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, ErrBadMagic
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.HeaderLen < FixedHeaderLen {
		return Frame{}, ErrHeaderLenTooSmall
	}
	corrLen := h.HeaderLen - FixedHeaderLen
	if corrLen > limits.MaxCorrelationBytes {
		return Frame{}, ErrCorrelationTooLarge
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	corr := make([]byte, corrLen)
	if corrLen > 0 {
		if _, err := io.ReadFull(r, corr); err != nil {
			return Frame{}, err
		}
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Correlation: string(corr), Payload: payload}, nil
}

// WriteFrame encodes f in a single write. Magic, version and lengths are
// filled in from f.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if len(f.Correlation) > int(limits.MaxCorrelationBytes) {
		return ErrCorrelationTooLarge
	}
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen + uint16(len(f.Correlation))
	h.PayloadLen = uint32(len(f.Payload))

	buf := make([]byte, 0, int(h.HeaderLen)+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Correlation...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.Seq)
	binary.BigEndian.PutUint64(buf[16:24], h.ReplyTo)
	binary.BigEndian.PutUint16(buf[24:26], uint16(h.Op))
	binary.BigEndian.PutUint16(buf[26:28], h.Flags)
	binary.BigEndian.PutUint32(buf[28:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:  binary.BigEndian.Uint16(b[6:8]),
		Seq:        binary.BigEndian.Uint64(b[8:16]),
		ReplyTo:    binary.BigEndian.Uint64(b[16:24]),
		Op:         Op(binary.BigEndian.Uint16(b[24:26])),
		Flags:      binary.BigEndian.Uint16(b[26:28]),
		PayloadLen: binary.BigEndian.Uint32(b[28:32]),
	}, nil
}
