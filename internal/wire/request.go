package wire

import (
	"strings"

	"pkt.systems/gridlock/api"
	"pkt.systems/gridlock/region"
)

// Request is a client-to-server command.
type Request interface {
	// Command returns the command id.
	Command() byte
	// Frame encodes the request.
	Frame() (Frame, error)
}

// ConnectRequest opens the session.
type ConnectRequest struct{}

// SetUserRequest names the user owning subsequent locks.
type SetUserRequest struct {
	Username string
}

// SetSpaceRequest selects the lock space.
type SetSpaceRequest struct {
	Space string
}

// LockRequest asks for an exclusive lock on Rect.
type LockRequest struct {
	Rect        region.Rect
	Description string
}

// UnlockRequest releases the lock exactly matching Rect.
type UnlockRequest struct {
	Rect        region.Rect
	Description string
}

// GetStatusRequest asks for a snapshot of every lock in the space.
type GetStatusRequest struct{}

func (ConnectRequest) Command() byte   { return CmdConnect }
func (SetUserRequest) Command() byte   { return CmdSetUser }
func (SetSpaceRequest) Command() byte  { return CmdSetSpace }
func (LockRequest) Command() byte      { return CmdLock }
func (UnlockRequest) Command() byte    { return CmdUnlock }
func (GetStatusRequest) Command() byte { return CmdGetStatus }

func (ConnectRequest) Frame() (Frame, error) {
	return Frame{ID: CmdConnect}, nil
}

func (r SetUserRequest) Frame() (Frame, error) {
	if err := checkString("username", r.Username, MaxUsernameLength); err != nil {
		return Frame{}, err
	}
	return Frame{ID: CmdSetUser, Payload: []byte(r.Username)}, nil
}

func (r SetSpaceRequest) Frame() (Frame, error) {
	if err := checkString("space", r.Space, MaxSpaceLength); err != nil {
		return Frame{}, err
	}
	return Frame{ID: CmdSetSpace, Payload: []byte(r.Space)}, nil
}

func (r LockRequest) Frame() (Frame, error) {
	return rectFrame(CmdLock, r.Rect, r.Description)
}

func (r UnlockRequest) Frame() (Frame, error) {
	return rectFrame(CmdUnlock, r.Rect, r.Description)
}

func (GetStatusRequest) Frame() (Frame, error) {
	return Frame{ID: CmdGetStatus}, nil
}

func rectFrame(id byte, rect region.Rect, desc string) (Frame, error) {
	if err := checkString("description", desc, MaxDescriptionLength); err != nil {
		return Frame{}, err
	}
	b := builder{buf: make([]byte, 0, 8+len(desc))}
	b.int16(rect.Left)
	b.int16(rect.Top)
	b.int16(rect.Right)
	b.int16(rect.Bottom)
	b.raw(desc)
	return Frame{ID: id, Payload: b.buf}, nil
}

// checkString rejects values the fixed-capacity request buffers cannot carry
// unchanged.
func checkString(field, v string, limit int) error {
	if len(v) > limit {
		return api.Errorf(api.KindPreconditionViolated, "encode."+field, "%s is %d bytes, limit is %d", field, len(v), limit)
	}
	if strings.IndexByte(v, 0) >= 0 {
		return api.Errorf(api.KindPreconditionViolated, "encode."+field, "%s contains a NUL byte", field)
	}
	return nil
}

// DecodeRequest decodes a client request frame. It is the server half of the
// codec and is used by the in-process test server.
func DecodeRequest(f Frame) (Request, error) {
	switch f.ID {
	case CmdConnect:
		return ConnectRequest{}, nil
	case CmdGetStatus:
		return GetStatusRequest{}, nil
	case CmdSetUser:
		s, err := boundedCString("decode.set_user", f.Payload, MaxUsernameLength)
		if err != nil {
			return nil, err
		}
		return SetUserRequest{Username: s}, nil
	case CmdSetSpace:
		s, err := boundedCString("decode.set_space", f.Payload, MaxSpaceLength)
		if err != nil {
			return nil, err
		}
		return SetSpaceRequest{Space: s}, nil
	case CmdLock, CmdUnlock:
		op := "decode." + CommandName(f.ID)
		c := newCursor(op, f.Payload)
		rect, err := readRect(c)
		if err != nil {
			return nil, err
		}
		desc, err := boundedCString(op, f.Payload[c.off:], MaxDescriptionLength)
		if err != nil {
			return nil, err
		}
		if f.ID == CmdLock {
			return LockRequest{Rect: rect, Description: desc}, nil
		}
		return UnlockRequest{Rect: rect, Description: desc}, nil
	default:
		return nil, api.Errorf(api.KindProtocolMalformed, "decode.request", "unknown command id %s", CommandName(f.ID))
	}
}

func boundedCString(op string, payload []byte, limit int) (string, error) {
	s := newCursor(op, payload).cstring()
	if len(s) > limit {
		return "", api.Errorf(api.KindProtocolMalformed, op, "string of %d bytes exceeds limit %d", len(s), limit)
	}
	return s, nil
}

func readRect(c *cursor) (region.Rect, error) {
	var r region.Rect
	var err error
	if r.Left, err = c.int16("left"); err != nil {
		return region.Rect{}, err
	}
	if r.Top, err = c.int16("top"); err != nil {
		return region.Rect{}, err
	}
	if r.Right, err = c.int16("right"); err != nil {
		return region.Rect{}, err
	}
	if r.Bottom, err = c.int16("bottom"); err != nil {
		return region.Rect{}, err
	}
	return r, nil
}
