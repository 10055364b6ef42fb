// Package wire encodes and decodes lock-server frames.
//
// Every frame starts with a little-endian uint32 holding the total frame
// length (header included), a command id byte and a flag byte. Requests carry
// fixed fields followed by an unterminated string filling the rest of the
// frame. Replies carry a NUL-terminated message, except the status reply,
// which carries computer records with length-prefixed strings. Lower-case ids
// are server notifications that can arrive at any point in the stream.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"pkt.systems/gridlock/api"
)

// Command ids.
const (
	CmdInvalid   byte = 0
	CmdConnect   byte = 'C'
	CmdSetUser   byte = 'A'
	CmdSetSpace  byte = 'S'
	CmdLock      byte = 'L'
	CmdUnlock    byte = 'U'
	CmdGetStatus byte = 'G'

	NotifyLockAdded   byte = 'l'
	NotifyLockRemoved byte = 'u'
)

// FlagSuccess marks a successful reply.
const FlagSuccess byte = 0

// Field and frame limits.
const (
	HeaderSize           = 6
	MaxUsernameLength    = 32
	MaxSpaceLength       = 1024
	MaxDescriptionLength = 10240
	// MaxFrameSize bounds the size prefix accepted from the peer. Status
	// snapshots are the only large frames.
	MaxFrameSize = 16 << 20
)

// Frame is one undecoded frame.
type Frame struct {
	ID      byte
	Flag    byte
	Payload []byte
}

// Size returns the value carried in the frame's size prefix.
func (f Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

// Notification reports whether f is a server-pushed notification.
func (f Frame) Notification() bool {
	return IsNotification(f.ID)
}

// Failed reports whether f is a reply carrying a non-success flag.
func (f Frame) Failed() bool {
	return f.Flag != FlagSuccess
}

// IsNotification reports whether id is in the notification range 'a'..'z'.
func IsNotification(id byte) bool {
	return id >= 'a' && id <= 'z'
}

// CommandName returns a readable name for id.
func CommandName(id byte) string {
	switch id {
	case CmdConnect:
		return "connect"
	case CmdSetUser:
		return "set_user"
	case CmdSetSpace:
		return "set_space"
	case CmdLock:
		return "lock"
	case CmdUnlock:
		return "unlock"
	case CmdGetStatus:
		return "get_status"
	case NotifyLockAdded:
		return "lock_added"
	case NotifyLockRemoved:
		return "lock_removed"
	case CmdInvalid:
		return "any"
	default:
		return fmt.Sprintf("0x%02x", id)
	}
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(f.Size()))
	dst = append(dst, f.ID, f.Flag)
	return append(dst, f.Payload...)
}

// MarshalBinary encodes f.
func (f Frame) MarshalBinary() ([]byte, error) {
	if f.Size() > MaxFrameSize {
		return nil, api.Errorf(api.KindPreconditionViolated, "encode.frame", "frame of %d bytes exceeds %d", f.Size(), MaxFrameSize)
	}
	return AppendFrame(make([]byte, 0, f.Size()), f), nil
}

// WriteFrame writes f to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one complete frame from r. A clean end of stream before the
// first byte returns io.EOF. A stream ending mid-frame returns
// KindProtocolTruncated; a size prefix outside [HeaderSize, MaxFrameSize]
// returns KindProtocolMalformed.
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, api.Wrap(api.KindProtocolTruncated, "read.frame", err)
		}
		return Frame{}, err
	}
	size := binary.LittleEndian.Uint32(prefix[:])
	if size < HeaderSize || size > MaxFrameSize {
		return Frame{}, api.Errorf(api.KindProtocolMalformed, "read.frame", "frame size %d outside [%d, %d]", size, HeaderSize, MaxFrameSize)
	}
	body := make([]byte, size-4)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, api.Wrap(api.KindProtocolTruncated, "read.frame", io.ErrUnexpectedEOF)
		}
		return Frame{}, err
	}
	return Frame{ID: body[0], Flag: body[1], Payload: body[2:]}, nil
}

// UnmarshalFrame decodes a single frame held entirely in buf. Bytes beyond
// the declared size are rejected.
func UnmarshalFrame(buf []byte) (Frame, error) {
	if len(buf) < 4 {
		return Frame{}, api.Errorf(api.KindProtocolTruncated, "decode.frame", "%d bytes is shorter than the size prefix", len(buf))
	}
	size := binary.LittleEndian.Uint32(buf)
	if size < HeaderSize || size > MaxFrameSize {
		return Frame{}, api.Errorf(api.KindProtocolMalformed, "decode.frame", "frame size %d outside [%d, %d]", size, HeaderSize, MaxFrameSize)
	}
	if uint32(len(buf)) < size {
		return Frame{}, api.Errorf(api.KindProtocolTruncated, "decode.frame", "frame declares %d bytes, have %d", size, len(buf))
	}
	if uint32(len(buf)) > size {
		return Frame{}, api.Errorf(api.KindProtocolMalformed, "decode.frame", "%d trailing bytes after frame", uint32(len(buf))-size)
	}
	payload := make([]byte, size-HeaderSize)
	copy(payload, buf[HeaderSize:])
	return Frame{ID: buf[4], Flag: buf[5], Payload: payload}, nil
}
