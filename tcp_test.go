package evloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTCPEchoRoundTrip drives a full accept/read/write cycle against the
// platform's default backend (epoll on Linux, as built in this environment)
// over the loopback interface: listener on an ephemeral port, one client
// connect, one write, one echoed read back.
func TestTCPEchoRoundTrip(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	server := NewTCP(loop)
	require.NoError(t, server.Bind("127.0.0.1:0"))

	var serverConn *TCP
	require.NoError(t, server.Listen(16, func(srv *TCP) {
		c := NewTCP(loop)
		require.NoError(t, srv.Accept(c))
		serverConn = c
		require.NoError(t, c.ReadStart(
			func(n int) []byte { return make([]byte, n) },
			func(h *TCP, nread int, buf []byte, rerr *Error) {
				if rerr != nil || nread <= 0 {
					return
				}
				echoed := append([]byte(nil), buf[:nread]...)
				req := NewWriteReq(func(*WriteReq, *Error) {})
				require.NoError(t, h.Write(req, [][]byte{echoed}))
			},
		))
	}))

	bound, err := server.GetSockname()
	require.NoError(t, err)

	client := NewTCP(loop)
	var received []byte

	connectReq := NewConnectReq(func(req *ConnectReq, cerr *Error) {
		require.Nil(t, cerr)
		require.NoError(t, client.ReadStart(
			func(n int) []byte { return make([]byte, n) },
			func(h *TCP, nread int, buf []byte, rerr *Error) {
				if nread > 0 {
					received = append(received, buf[:nread]...)
					h.Close(nil)
					serverConn.Close(nil)
					server.Close(nil)
					client.loop.Unref()
				}
			},
		))
		writeReq := NewWriteReq(func(*WriteReq, *Error) {})
		require.NoError(t, client.Write(writeReq, [][]byte{[]byte("ping")}))
	})
	require.NoError(t, client.Connect(connectReq, bound))

	deadline := NewTimer(loop)
	deadline.Start(func(tm *Timer) {
		tm.loop.Unref()
	}, 2000, 0)

	require.NoError(t, loop.Run())
	require.Equal(t, "ping", string(received))
}

// TestTCPGetSocknameReportsBoundAddress checks Bind without Listen still
// exposes the bound address, per spec.md §4.3.
func TestTCPGetSocknameReportsBoundAddress(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	h := NewTCP(loop)
	require.NoError(t, h.Bind("127.0.0.1:0"))
	addr, err := h.GetSockname()
	require.NoError(t, err)
	require.Contains(t, addr, "127.0.0.1:")
	h.Close(nil)
}

// TestTCPListenTwiceReturnsEALREADY exercises the state-machine guard in
// spec.md §4.3.
func TestTCPListenTwiceReturnsEALREADY(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	h := NewTCP(loop)
	require.NoError(t, h.Bind("127.0.0.1:0"))
	require.NoError(t, h.Listen(8, func(*TCP) {}))

	err2 := h.Listen(8, func(*TCP) {})
	require.Error(t, err2)
	require.Equal(t, EALREADY, loop.LastError().Code)
	h.Close(nil)
}
