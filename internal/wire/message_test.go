package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/procd"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	payload := NewWriteBuffer(16)
	require.NoError(t, payload.WriteU16(uint16(procd.ChannelStdout)))
	require.NoError(t, payload.WriteBuf([]byte("hello\n")))

	in := &procd.Message{ID: 42, Cmd: procd.CmdData, Payload: payload.Bytes()}

	frame, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Cmd, out.Cmd)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestMessageEventHasZeroID(t *testing.T) {
	msg := NewEvent(procd.CmdStatus, nil)
	assert.True(t, msg.IsEvent())
}

func TestMessageReplyReusesRequestID(t *testing.T) {
	req := &procd.Message{ID: 7, Cmd: procd.CmdStart}
	reply := NewReply(req, procd.CmdAttached, nil)
	assert.Equal(t, req.ID, reply.ID)
	assert.False(t, reply.IsEvent())
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestEncodeRejectsOversizeFrame(t *testing.T) {
	big := make([]byte, procd.MaxFrameSize+1)
	_, err := Encode(&procd.Message{ID: 1, Cmd: procd.CmdData, Payload: big})
	assert.Error(t, err)
}
