package wire

import (
	"strings"

	"pkt.systems/gridlock/api"
)

// Limits applied to length-prefixed strings received from the server.
const (
	maxComputerNameLength = 1024
)

// EncodeStatus builds a successful GetStatus reply. Each record is prefixed by
// its length in bytes, excluding the prefix itself.
func EncodeStatus(computers []api.Computer) (Frame, error) {
	var out builder
	for _, computer := range computers {
		var rec builder
		rec.lstring(computer.Name)
		rec.int32(int32(len(computer.Locks)))
		for _, lock := range computer.Locks {
			appendLock(&rec, lock)
		}
		out.int32(int32(len(rec.buf)))
		out.buf = append(out.buf, rec.buf...)
	}
	if HeaderSize+len(out.buf) > MaxFrameSize {
		return Frame{}, api.Errorf(api.KindPreconditionViolated, "encode.status", "status of %d bytes exceeds frame limit", len(out.buf))
	}
	return Frame{ID: CmdGetStatus, Flag: FlagSuccess, Payload: out.buf}, nil
}

func appendLock(b *builder, lock api.Lock) {
	b.int16(lock.Rect.Left)
	b.int16(lock.Rect.Top)
	b.int16(lock.Rect.Right)
	b.int16(lock.Rect.Bottom)
	b.lstring(lock.Username)
	b.lstring(lock.Description)
	b.float32(lock.Time)
}

// DecodeStatus parses a successful GetStatus reply. The per-record size is
// informational: it must fit in the remaining payload, but records are parsed
// structurally and a size that disagrees with the parsed length is tolerated.
// Computer names are returned as sent; callers normalise them.
func DecodeStatus(f Frame) ([]api.Computer, error) {
	const op = "decode.status"
	if f.ID != CmdGetStatus {
		return nil, api.Errorf(api.KindProtocolMalformed, op, "unexpected command id %s", CommandName(f.ID))
	}
	if f.Failed() {
		return nil, api.Errorf(api.KindServerRejected, op, "%s", DecodeReply(f).Message)
	}
	c := newCursor(op, f.Payload)
	var computers []api.Computer
	for c.remaining() > 0 {
		recordSize, err := c.count("record size")
		if err != nil {
			return nil, err
		}
		if recordSize > c.remaining() {
			return nil, api.Errorf(api.KindProtocolMalformed, op, "record size %d exceeds remaining %d bytes", recordSize, c.remaining())
		}
		var computer api.Computer
		if computer.Name, err = c.lstring("computer name", maxComputerNameLength); err != nil {
			return nil, err
		}
		lockCount, err := c.count("lock count")
		if err != nil {
			return nil, err
		}
		// Each lock needs at least 8 rect bytes, two length prefixes and a time.
		if lockCount > c.remaining()/20 {
			return nil, api.Errorf(api.KindProtocolMalformed, op, "lock count %d cannot fit in %d bytes", lockCount, c.remaining())
		}
		computer.Locks = make([]api.Lock, 0, lockCount)
		for range lockCount {
			lock, err := readLock(c)
			if err != nil {
				return nil, err
			}
			computer.Locks = append(computer.Locks, lock)
		}
		computers = append(computers, computer)
	}
	return computers, nil
}

func readLock(c *cursor) (api.Lock, error) {
	var lock api.Lock
	var err error
	if lock.Rect, err = readRect(c); err != nil {
		return api.Lock{}, err
	}
	if lock.Username, err = c.lstring("username", MaxUsernameLength); err != nil {
		return api.Lock{}, err
	}
	if lock.Description, err = c.lstring("description", MaxDescriptionLength); err != nil {
		return api.Lock{}, err
	}
	if lock.Time, err = c.float32("time"); err != nil {
		return api.Lock{}, err
	}
	return lock, nil
}

// ShortName truncates a host name at its first '.'.
func ShortName(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}
