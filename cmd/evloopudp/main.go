// Command evloopudp runs a UDP echo server on the evloop event loop,
// exercising Bind/RecvStart/SendTo.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-evloop/evloop"
)

func interruptContext() context.Context {
	ctx, stop := context.WithCancel(context.Background())
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		stop()
	}()
	return ctx
}

func main() {
	addr := flag.String("addr", "127.0.0.1:9002", "address to listen on")
	flag.Parse()

	loop, err := evloop.New(evloop.DefaultOptions)
	if err != nil {
		log.Fatalf("evloop.New: %v", err)
	}
	defer loop.Close()

	h := evloop.NewUDP(loop)
	if err := h.Bind(*addr, 0); err != nil {
		log.Fatalf("bind %s: %v", *addr, err)
	}

	err = h.RecvStart(
		func(suggested int) []byte { return make([]byte, suggested) },
		func(u *evloop.UDP, nread int, buf []byte, from string, rerr *evloop.Error) {
			if rerr != nil || nread <= 0 {
				return
			}
			payload := append([]byte(nil), buf[:nread]...)
			req := evloop.NewSendReq(func(req *evloop.SendReq, werr *evloop.Error) {
				if werr != nil {
					log.Printf("send to %s: %v", from, werr)
				}
			})
			if err := u.SendTo(req, payload, from); err != nil {
				log.Printf("sendto %s: %v", from, err)
			}
		},
	)
	if err != nil {
		log.Fatalf("recv_start: %v", err)
	}
	log.Printf("evloopudp listening on %s", *addr)

	stop := evloop.NewAsync(loop, func(a *evloop.Async) {
		h.Close(nil)
		a.Close(nil)
		loop.Unref()
	})
	ctx := interruptContext()
	go func() {
		<-ctx.Done()
		_ = stop.Send()
	}()

	if err := loop.Run(); err != nil {
		log.Fatalf("run: %v", err)
	}
}
