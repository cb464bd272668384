package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/procd"
	"github.com/behrlich/procd/internal/wire"
)

// recvRequest reads the next message off peer and requires it to be a
// client-originated request for the given command.
func recvRequest(t *testing.T, peer *pipeConn, cmd procd.Cmd) *procd.Message {
	t.Helper()
	msg, err := peer.Recv()
	require.NoError(t, err)
	require.Equal(t, cmd, msg.Cmd)
	require.False(t, msg.IsEvent())
	return msg
}

func replyOK(t *testing.T, peer *pipeConn, req *procd.Message, payload []byte) {
	t.Helper()
	require.NoError(t, peer.Send(wire.NewReply(req, procd.CmdOK, payload)))
}

func TestDialPerformsHelloHandshake(t *testing.T) {
	conn, peer := NewTestConnection()
	done := make(chan error, 1)
	go func() { done <- conn.hello() }()

	req := recvRequest(t, peer, procd.CmdHello)
	replyOK(t, peer, req, nil)

	require.NoError(t, <-done)
}

func TestStartLatchesAttachedProcessID(t *testing.T) {
	conn, peer := NewTestConnection()
	done := make(chan error, 1)
	go func() { done <- conn.Start("/bin/echo", []string{"/bin/echo", "hi"}, nil) }()

	req := recvRequest(t, peer, procd.CmdStart)

	b := wire.NewWriteBuffer(64)
	require.NoError(t, b.WriteStr("/bin/echo:1234"))
	require.NoError(t, b.WriteU16(uint16(procd.ProcessRun)))
	require.NoError(t, b.WriteI32(0))
	require.NoError(t, peer.Send(wire.NewReply(req, procd.CmdAttached, b.Bytes())))

	require.NoError(t, <-done)
	require.Equal(t, "/bin/echo:1234", conn.ProcessID())
}

func TestSendErrorReplyBecomesStructuredError(t *testing.T) {
	conn, peer := NewTestConnection()
	done := make(chan error, 1)
	go func() { done <- conn.Attach("missing:1") }()

	req := recvRequest(t, peer, procd.CmdAttach)

	b := wire.NewWriteBuffer(32)
	require.NoError(t, b.WriteStr("NOT_FOUND"))
	require.NoError(t, b.WriteStr("no such process"))
	require.NoError(t, peer.Send(wire.NewReply(req, procd.CmdError, b.Bytes())))

	err := <-done
	require.Error(t, err)
	code, msg := conn.LastError()
	require.Equal(t, "NOT_FOUND", string(code))
	require.Equal(t, "no such process", msg)
}

func TestEventsArrivingDuringSendAreDispatched(t *testing.T) {
	conn, peer := NewTestConnection()

	var stdout []byte
	conn.Callbacks.OnStdout = func(b []byte) { stdout = append(stdout, b...) }

	done := make(chan error, 1)
	go func() { done <- conn.Start("/bin/echo", nil, nil) }()

	req := recvRequest(t, peer, procd.CmdStart)

	db := wire.NewWriteBuffer(32)
	require.NoError(t, db.WriteU16(uint16(procd.ChannelStdout)))
	require.NoError(t, db.WriteBuf([]byte("hi there")))
	require.NoError(t, peer.Send(wire.NewEvent(procd.CmdData, db.Bytes())))

	ab := wire.NewWriteBuffer(64)
	require.NoError(t, ab.WriteStr("/bin/echo:1"))
	require.NoError(t, ab.WriteU16(uint16(procd.ProcessRun)))
	require.NoError(t, ab.WriteI32(0))
	require.NoError(t, peer.Send(wire.NewReply(req, procd.CmdAttached, ab.Bytes())))

	require.NoError(t, <-done)
	require.Equal(t, "hi there", string(stdout))
}

func TestPollDispatchesStatusAndTimesOutWhenIdle(t *testing.T) {
	conn, peer := NewTestConnection()

	var exitCode int
	var gotExit bool
	conn.Callbacks.OnExit = func(code int) {
		exitCode = code
		gotExit = true
	}

	sb := wire.NewWriteBuffer(8)
	require.NoError(t, sb.WriteU16(uint16(procd.ProcessExit)))
	require.NoError(t, sb.WriteI32(7))
	require.NoError(t, peer.Send(wire.NewEvent(procd.CmdStatus, sb.Bytes())))

	require.NoError(t, conn.Poll(time.Second))
	require.True(t, gotExit)
	require.Equal(t, 7, exitCode)

	st, code := conn.Status()
	require.Equal(t, 7, code)
	_ = st

	require.NoError(t, conn.Poll(20*time.Millisecond))
}

func TestKillSendsIDThenSignal(t *testing.T) {
	conn, peer := NewTestConnection()
	done := make(chan error, 1)
	go func() { done <- conn.Kill("/bin/sleep:42", 15) }()

	req := recvRequest(t, peer, procd.CmdKill)

	b := wire.NewBuffer(req.Payload)
	id, err := b.ReadStr()
	require.NoError(t, err)
	require.Equal(t, "/bin/sleep:42", id)
	sig, err := b.ReadU32()
	require.NoError(t, err)
	require.Equal(t, uint32(15), sig)

	replyOK(t, peer, req, nil)
	require.NoError(t, <-done)
}

func TestListDecodesProcessSummaries(t *testing.T) {
	conn, peer := NewTestConnection()
	done := make(chan struct {
		infos []procd.ProcessInfo
		err   error
	}, 1)
	go func() {
		infos, err := conn.List()
		done <- struct {
			infos []procd.ProcessInfo
			err   error
		}{infos, err}
	}()

	req := recvRequest(t, peer, procd.CmdList)

	b := wire.NewWriteBuffer(128)
	require.NoError(t, b.WriteU16(2))
	require.NoError(t, b.WriteStr("/bin/echo:1"))
	require.NoError(t, b.WriteU16(uint16(procd.ProcessRun)))
	require.NoError(t, b.WriteI32(0))
	require.NoError(t, b.WriteStr("/bin/cat:2"))
	require.NoError(t, b.WriteU16(uint16(procd.ProcessExit)))
	require.NoError(t, b.WriteI32(0))
	replyOK(t, peer, req, b.Bytes())

	result := <-done
	require.NoError(t, result.err)
	require.Len(t, result.infos, 2)
	require.Equal(t, "/bin/echo:1", result.infos[0].ID)
	require.Equal(t, procd.ProcessExit, result.infos[1].Status)
}
