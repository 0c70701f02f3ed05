package evloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestUDPSendRecvRoundTrip exercises Bind/RecvStart/SendTo end to end over
// loopback: two independent handles on two ephemeral ports, one datagram
// sent, one datagram echoed back.
func TestUDPSendRecvRoundTrip(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	server := NewUDP(loop)
	require.NoError(t, server.Bind("127.0.0.1:0", 0))

	require.NoError(t, server.RecvStart(
		func(n int) []byte { return make([]byte, n) },
		func(h *UDP, nread int, buf []byte, from string, rerr *Error) {
			if rerr != nil || nread <= 0 {
				return
			}
			reply := append([]byte(nil), buf[:nread]...)
			req := NewSendReq(func(*SendReq, *Error) {})
			require.NoError(t, h.SendTo(req, reply, from))
		},
	))

	serverAddr, err := server.GetSockname()
	require.NoError(t, err)

	client := NewUDP(loop)
	require.NoError(t, client.Bind("127.0.0.1:0", 0))

	var received []byte
	require.NoError(t, client.RecvStart(
		func(n int) []byte { return make([]byte, n) },
		func(h *UDP, nread int, buf []byte, from string, rerr *Error) {
			if nread > 0 {
				received = append(received, buf[:nread]...)
				h.Close(nil)
				server.Close(nil)
				h.loop.Unref()
			}
		},
	))

	sendReq := NewSendReq(func(*SendReq, *Error) {})
	require.NoError(t, client.SendTo(sendReq, []byte("hello"), serverAddr))

	deadline := NewTimer(loop)
	deadline.Start(func(tm *Timer) { tm.loop.Unref() }, 2000, 0)

	require.NoError(t, loop.Run())
	require.Equal(t, "hello", string(received))
}

// TestUDPBindTwiceReturnsEALREADY exercises the fd-already-bound guard
// grounded on original_source/src/unix/udp.c (SPEC_FULL.md §4.10).
func TestUDPBindTwiceReturnsEALREADY(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	h := NewUDP(loop)
	require.NoError(t, h.Bind("127.0.0.1:0", 0))

	err2 := h.Bind("127.0.0.1:0", 0)
	require.Error(t, err2)
	require.Equal(t, EALREADY, loop.LastError().Code)
	h.Close(nil)
}

// TestUDPSetMembershipRequiresBoundSocket exercises the EINVAL guard when
// SetMembership is called before Bind.
func TestUDPSetMembershipRequiresBoundSocket(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	h := NewUDP(loop)
	err2 := h.SetMembership("239.1.2.3", "", JoinGroup)
	require.Error(t, err2)
	require.Equal(t, EINVAL, loop.LastError().Code)
	h.Close(nil)
}
