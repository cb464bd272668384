package wire

import (
	"github.com/behrlich/procd"
	"github.com/behrlich/procd/internal/errs"
)

// headerSize is the fixed u32 id + u16 cmd header every frame carries.
const headerSize = 4 + 2

// Encode builds a complete frame for msg into a freshly allocated
// buffer: header followed by payload, ready to hand to Conn.Send.
func Encode(msg *procd.Message) ([]byte, error) {
	total := headerSize + len(msg.Payload)
	if total > procd.MaxFrameSize {
		return nil, errs.FrameTooLarge("wire.Encode")
	}
	b := NewWriteBuffer(total)
	if err := b.WriteU32(msg.ID); err != nil {
		return nil, err
	}
	if err := b.WriteU16(uint16(msg.Cmd)); err != nil {
		return nil, err
	}
	if err := b.WriteBytes(msg.Payload); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Decode parses a raw frame (as received in one unixpacket datagram)
// into a Message. The Payload aliases the input slice.
func Decode(raw []byte) (*procd.Message, error) {
	if len(raw) < headerSize {
		return nil, errs.BufferUnderflow("wire.Decode")
	}
	b := NewBuffer(raw)
	id, err := b.ReadU32()
	if err != nil {
		return nil, err
	}
	cmd, err := b.ReadU16()
	if err != nil {
		return nil, err
	}
	payload, err := b.ReadBytes(b.Remaining())
	if err != nil {
		return nil, err
	}
	return &procd.Message{ID: id, Cmd: procd.Cmd(cmd), Payload: payload}, nil
}

// NewRequest builds a Message for a client-originated request or an
// unsolicited server event (id == 0) with a payload already encoded
// into a *Buffer via b.Bytes().
func NewRequest(id uint32, cmd procd.Cmd, payload []byte) *procd.Message {
	return &procd.Message{ID: id, Cmd: cmd, Payload: payload}
}

// NewReply builds a Message replying to req with the given command,
// reusing req's id so the caller can correlate reply to request.
func NewReply(req *procd.Message, cmd procd.Cmd, payload []byte) *procd.Message {
	return &procd.Message{ID: req.ID, Cmd: cmd, Payload: payload}
}

// NewEvent builds an unsolicited server->client event (id == 0).
func NewEvent(cmd procd.Cmd, payload []byte) *procd.Message {
	return &procd.Message{ID: 0, Cmd: cmd, Payload: payload}
}
