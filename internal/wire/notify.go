package wire

import "pkt.systems/gridlock/api"

// Notification is a server-pushed lock change.
type Notification struct {
	// ID is NotifyLockAdded or NotifyLockRemoved.
	ID       byte
	Computer string
	Lock     api.Lock
}

// Frame encodes n.
func (n Notification) Frame() (Frame, error) {
	if !IsNotification(n.ID) {
		return Frame{}, api.Errorf(api.KindPreconditionViolated, "encode.notification", "id %s is not a notification", CommandName(n.ID))
	}
	var b builder
	b.int16(n.Lock.Rect.Left)
	b.int16(n.Lock.Rect.Top)
	b.int16(n.Lock.Rect.Right)
	b.int16(n.Lock.Rect.Bottom)
	b.lstring(n.Computer)
	b.lstring(n.Lock.Username)
	b.lstring(n.Lock.Description)
	b.float32(n.Lock.Time)
	return Frame{ID: n.ID, Payload: b.buf}, nil
}

// DecodeNotification parses a lock-added or lock-removed frame. Other
// notification ids are rejected as malformed.
func DecodeNotification(f Frame) (Notification, error) {
	const op = "decode.notification"
	if f.ID != NotifyLockAdded && f.ID != NotifyLockRemoved {
		return Notification{}, api.Errorf(api.KindProtocolMalformed, op, "unsupported notification id %s", CommandName(f.ID))
	}
	c := newCursor(op, f.Payload)
	n := Notification{ID: f.ID}
	var err error
	if n.Lock.Rect, err = readRect(c); err != nil {
		return Notification{}, err
	}
	if n.Computer, err = c.lstring("computer name", maxComputerNameLength); err != nil {
		return Notification{}, err
	}
	if n.Lock.Username, err = c.lstring("username", MaxUsernameLength); err != nil {
		return Notification{}, err
	}
	if n.Lock.Description, err = c.lstring("description", MaxDescriptionLength); err != nil {
		return Notification{}, err
	}
	if n.Lock.Time, err = c.float32("time"); err != nil {
		return Notification{}, err
	}
	if err := c.end(); err != nil {
		return Notification{}, err
	}
	return n, nil
}
