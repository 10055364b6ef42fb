package wire

import (
	"strings"

	"pkt.systems/gridlock/api"
)

// Reply is the answer to any request other than GetStatus, and the failure
// form of a GetStatus answer.
type Reply struct {
	ID      byte
	Flag    byte
	Message string
}

// Failed reports whether the server rejected the command.
func (r Reply) Failed() bool {
	return r.Flag != FlagSuccess
}

// Frame encodes r with a NUL-terminated message.
func (r Reply) Frame() (Frame, error) {
	if strings.IndexByte(r.Message, 0) >= 0 {
		return Frame{}, api.Errorf(api.KindPreconditionViolated, "encode.reply", "message contains a NUL byte")
	}
	payload := make([]byte, 0, len(r.Message)+1)
	payload = append(payload, r.Message...)
	payload = append(payload, 0)
	return Frame{ID: r.ID, Flag: r.Flag, Payload: payload}, nil
}

// DecodeReply reads the message of a plain reply frame. The message runs up
// to the first NUL or the end of the frame.
func DecodeReply(f Frame) Reply {
	return Reply{ID: f.ID, Flag: f.Flag, Message: newCursor("decode.reply", f.Payload).cstring()}
}
