package evloop

// Membership is passed to SetMembership (spec.md §4.4).
type Membership int

const (
	JoinGroup Membership = iota
	LeaveGroup
)

// BindFlags are the recognised option flags for UDP Bind/Bind6 (spec.md
// §6 "Recognised option flags").
type BindFlags int

const (
	IPV6Only BindFlags = 1 << iota
)

// RecvCallback delivers one datagram. nread == 0 with addr == "" means
// "returned unused buffer", mirroring the stream read-buffer contract
// (spec.md §4.4).
type RecvCallback func(h *UDP, nread int, buf []byte, addr string, err *Error)

// SendCallback delivers the outcome of SendTo.
type SendCallback func(req *SendReq, err *Error)

// SendReq is the user-owned request object for SendTo.
type SendReq struct {
	requestHeader
	cb  SendCallback
	buf []byte
	to  sockaddr
}

// NewSendReq allocates a request object for UDP.SendTo.
func NewSendReq(cb SendCallback) *SendReq { return &SendReq{cb: cb} }

// UDP is a datagram handle (spec.md §4.4).
type UDP struct {
	handleHeader

	fd      int
	bound   sockaddr
	recvCB  RecvCallback
	allocCB AllocCallback

	backendState any
}

// NewUDP allocates an unbound UDP handle on loop.
func NewUDP(loop *Loop) *UDP {
	u := &UDP{fd: -1}
	u.init(loop, handleUDP)
	u.onEndgame = func() { loop.backend.udpClose(u) }
	u.stopInScheduler = func() { u.flags &^= flagReading }
	loop.refInternal()
	return u
}

func (u *UDP) ensureSocket(is6 bool) error {
	if u.fd >= 0 {
		return nil
	}
	fd, err := u.loop.backend.socket(is6, sockDgram)
	if err != nil {
		return err
	}
	u.fd = fd
	return nil
}

// Bind binds to an IPv4 literal address. Binding a handle that already
// owns an fd returns EALREADY, per original_source/src/unix/udp.c's
// `handle->fd != -1` guard (SPEC_FULL.md §4.10).
func (u *UDP) Bind(addr string, flags BindFlags) error { return u.bind(addr, false, flags) }

// Bind6 is Bind for an IPv6 literal address.
func (u *UDP) Bind6(addr string, flags BindFlags) error { return u.bind(addr, true, flags) }

func (u *UDP) bind(addr string, is6 bool, flags BindFlags) error {
	if u.fd >= 0 {
		return u.loop.setLastError(newError(EALREADY, nil))
	}
	if flags&IPV6Only != 0 && !is6 {
		return u.loop.setLastError(newError(EINVAL, nil))
	}
	sa, err := parseAddr(addr)
	if err != nil {
		return u.loop.setLastError(newError(EINVAL, err))
	}
	if err := u.ensureSocket(is6); err != nil {
		return u.loop.setLastError(wrapSysErr(err))
	}
	if err := u.loop.backend.udpBind(u, sa, int(flags)); err != nil {
		return u.loop.setLastError(wrapSysErr(err))
	}
	u.bound = sa
	u.flags |= flagBound
	return nil
}

// SetMembership joins or leaves a multicast group. interfaceAddr == ""
// means the wildcard interface (INADDR_ANY), exactly as
// uv_udp_set_membership treats a NULL interface_addr.
func (u *UDP) SetMembership(multicastAddr, interfaceAddr string, m Membership) error {
	if u.fd < 0 {
		return u.loop.setLastError(newError(EINVAL, nil))
	}
	return u.loop.backend.udpSetMembership(u, multicastAddr, interfaceAddr, m)
}

// GetSockname returns the locally bound address.
func (u *UDP) GetSockname() (string, error) {
	if u.fd < 0 {
		return "", u.loop.setLastError(newError(EINVAL, nil))
	}
	return u.bound.String(), nil
}

// RecvStart arms the receive loop (spec.md §4.4 "recvfrom_start").
func (u *UDP) RecvStart(alloc AllocCallback, recv RecvCallback) error {
	if u.flags.has(flagReading) {
		return u.loop.setLastError(newError(EALREADY, nil))
	}
	u.allocCB = alloc
	u.recvCB = recv
	u.flags |= flagReading
	u.loop.backend.udpRecvStart(u)
	return nil
}

// RecvStop disarms the receive loop.
func (u *UDP) RecvStop() {
	if !u.flags.has(flagReading) {
		return
	}
	u.flags &^= flagReading
	u.loop.backend.udpRecvStop(u)
}

// SendTo sends buf to addr (spec.md §4.4 "sendto").
func (u *UDP) SendTo(req *SendReq, buf []byte, addr string) error {
	sa, err := parseAddr(addr)
	if err != nil {
		return u.loop.setLastError(newError(EINVAL, err))
	}
	if err := u.ensureSocket(sa.Is6); err != nil {
		return u.loop.setLastError(wrapSysErr(err))
	}
	req.buf = buf
	req.to = sa
	req.typ = reqWrite
	req.markPending(&u.handleHeader)
	req.dispatch = func() {
		if req.cb != nil {
			req.cb(req, req.err)
		}
	}
	u.loop.backend.udpSendTo(u, req, buf, sa)
	return nil
}
