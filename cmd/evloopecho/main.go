// Command evloopecho runs a TCP echo server on the evloop event loop,
// exercising Listen/Accept/ReadStart/Write end to end.
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
	addr := flag.String("addr", "127.0.0.1:9001", "address to listen on")
	flag.Parse()

	loop, err := evloop.New(evloop.DefaultOptions)
	if err != nil {
		log.Fatalf("evloop.New: %v", err)
	}
	defer loop.Close()

	server := evloop.NewTCP(loop)
	if err := server.Bind(*addr); err != nil {
		log.Fatalf("bind %s: %v", *addr, err)
	}

	err = server.Listen(128, func(srv *evloop.TCP) {
		client := evloop.NewTCP(loop)
		if err := srv.Accept(client); err != nil {
			log.Printf("accept: %v", err)
			return
		}
		startEcho(client)
	})
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	log.Printf("evloopecho listening on %s", *addr)

	stop := evloop.NewAsync(loop, func(a *evloop.Async) {
		server.Close(nil)
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

func startEcho(c *evloop.TCP) {
	err := c.ReadStart(
		func(suggested int) []byte { return make([]byte, suggested) },
		func(h *evloop.TCP, nread int, buf []byte, rerr *evloop.Error) {
			if rerr != nil {
				h.Close(nil)
				return
			}
			if nread <= 0 {
				return
			}
			payload := append([]byte(nil), buf[:nread]...)
			req := evloop.NewWriteReq(func(req *evloop.WriteReq, werr *evloop.Error) {
				if werr != nil {
					h.Close(nil)
				}
			})
			if err := h.Write(req, [][]byte{payload}); err != nil {
				h.Close(nil)
			}
		},
	)
	if err != nil {
		c.Close(nil)
	}
}
