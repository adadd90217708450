// SPDX-License-Identifier: BSD-3-Clause

// Package netprobe provides a small ICMP echo ("ping") helper used by the
// transceiver factory to tolerate BMPs that are slow to respond after a
// power cycle, and by the per-BMP worker's post-power-on ARP-priming
// side effect.
package netprobe

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// Pinger sends one ICMP echo request and waits for a reply. It is an
// interface so tests can fake network reachability without real sockets.
type Pinger interface {
	Ping(ctx context.Context, addr string, timeout time.Duration) error
}

// ICMPPinger is the real Pinger, backed by an unprivileged ("datagram")
// ICMP socket.
type ICMPPinger struct {
	id atomicSeq
}

type atomicSeq struct{ n int }

// NewICMPPinger constructs the real Pinger.
func NewICMPPinger() *ICMPPinger { return &ICMPPinger{} }

// Ping sends one ICMP echo request to addr and waits up to timeout for a
// reply.
func (p *ICMPPinger) Ping(ctx context.Context, addr string, timeout time.Duration) error {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return fmt.Errorf("listen icmp: %w", err)
	}
	defer conn.Close()

	p.id.n++
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  p.id.n,
			Data: []byte("bmpctl-probe"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("marshal icmp echo: %w", err)
	}

	dst, err := net.ResolveIPAddr("ip4", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.WriteTo(wb, dst); err != nil {
		return fmt.Errorf("write icmp echo to %s: %w", addr, err)
	}

	rb := make([]byte, 1500)
	n, _, err := conn.ReadFrom(rb)
	if err != nil {
		return fmt.Errorf("read icmp reply from %s: %w", addr, err)
	}

	reply, err := icmp.ParseMessage(1, rb[:n])
	if err != nil {
		return fmt.Errorf("parse icmp reply: %w", err)
	}
	if reply.Type != ipv4.ICMPTypeEchoReply {
		return fmt.Errorf("unexpected icmp reply type %v from %s", reply.Type, addr)
	}
	return nil
}

// NoopPinger always reports success without touching the network; used in
// dummy-BMP mode and in tests.
type NoopPinger struct{}

func (NoopPinger) Ping(ctx context.Context, addr string, timeout time.Duration) error { return nil }
