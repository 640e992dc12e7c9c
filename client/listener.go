// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"log"
	"net"
	"net/http"

	"github.com/unixpickle/squidtun/std"
)

// maxConcurrentTunnels bounds the number of ClientSessions in flight at
// once, via accept-side buffering.
const maxConcurrentTunnels = 5

// ClientListener accepts local TCP connections and spawns a ClientSession
// for each, bounding concurrency to maxConcurrentTunnels.
type ClientListener struct {
	LocalAddr string
	ProxyAddr string
	Host      string
	Password  string
	Compress  bool
	Quiet     bool
	Stats     *std.Stats
}

func (cl *ClientListener) logln(v ...interface{}) {
	if !cl.Quiet {
		log.Println(v...)
	}
}

// ListenAndServe binds LocalAddr and accepts connections until the
// listener fails.
func (cl *ClientListener) ListenAndServe() error {
	ln, err := net.Listen("tcp", cl.LocalAddr)
	if err != nil {
		return err
	}
	log.Println("listening on:", ln.Addr())

	slots := make(chan struct{}, maxConcurrentTunnels)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		slots <- struct{}{}
		go func(conn net.Conn) {
			defer func() { <-slots }()
			cl.handle(conn)
		}(conn)
	}
}

func (cl *ClientListener) handle(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr()
	cl.logln("tunnel opened", "peer:", peer)

	session := &ClientSession{
		Client:    &http.Client{},
		ProxyAddr: cl.ProxyAddr,
		Host:      cl.Host,
		Password:  cl.Password,
		Compress:  cl.Compress,
		Stats:     cl.Stats,
	}

	if err := session.Establish(); err != nil {
		cl.logln("tunnel failed", "peer:", peer, "err:", err)
		return
	}

	if err := session.Run(conn); err != nil {
		cl.logln("tunnel closed", "peer:", peer, "err:", err)
		return
	}
	cl.logln("tunnel closed", "peer:", peer)
}
