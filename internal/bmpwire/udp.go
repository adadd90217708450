// SPDX-License-Identifier: BSD-3-Clause

package bmpwire

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// UDPTransceiver speaks a SCAMP/BMP-style request/reply protocol over one
// connected UDP socket bound to the root BMP of a frame. Exactly one
// request is ever in flight on a given UDPTransceiver at a time — callers
// serialise access to it (via the per-machine worker owning the
// transceiver handed out by internal/txrxcache), so no internal lock is
// needed around the request/reply round trip itself; seq is an atomic
// counter, so concurrent callers would still draw distinct sequence numbers.
type UDPTransceiver struct {
	conn    *net.UDPConn
	timeout time.Duration
	seq     atomic.Uint32

	closeOnce sync.Once
}

// DialUDPTransceiver opens a UDP socket connected to a BMP's root address.
func DialUDPTransceiver(addr string, timeout time.Duration) (*UDPTransceiver, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve BMP address %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial BMP %s: %w", addr, err)
	}
	return &UDPTransceiver{conn: conn, timeout: timeout}, nil
}

func (t *UDPTransceiver) roundTrip(ctx context.Context, op opcode, payload []byte) (frame, error) {
	seq := t.seq.Add(1)
	req := encodeFrame(frame{seq: seq, op: op, payload: payload})

	deadline := time.Now().Add(t.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return frame{}, fmt.Errorf("%w: set deadline: %v", ErrOtherHardware, err)
	}

	if _, err := t.conn.Write(req); err != nil {
		return frame{}, fmt.Errorf("%w: write: %v", ErrTransient, err)
	}

	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return frame{}, ErrInterrupted
		default:
		}

		n, err := t.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return frame{}, ErrTransient
			}
			return frame{}, fmt.Errorf("%w: read: %v", ErrTransient, err)
		}

		resp, err := decodeFrame(buf[:n])
		if err != nil {
			continue // garbage or partial frame, wait for the real reply
		}
		if resp.seq != seq {
			continue // stale reply to an earlier, already-abandoned request
		}
		return resp, nil
	}
}

func (t *UDPTransceiver) PowerOn(ctx context.Context, boardNumbers []int) error {
	resp, err := t.roundTrip(ctx, opPowerOn, encodeBoardSet(boardNumbers))
	if err != nil {
		return err
	}
	return classifyStatus(resp.status, firstOrZero(boardNumbers))
}

func (t *UDPTransceiver) PowerOff(ctx context.Context, boardNumbers []int) error {
	resp, err := t.roundTrip(ctx, opPowerOff, encodeBoardSet(boardNumbers))
	if err != nil {
		return err
	}
	return classifyStatus(resp.status, firstOrZero(boardNumbers))
}

func (t *UDPTransceiver) ReadFPGAFlag(ctx context.Context, boardNumber, fpga int) (uint32, error) {
	payload := []byte{byte(boardNumber), byte(fpga)}
	resp, err := t.roundTrip(ctx, opReadFPGAReg, payload)
	if err != nil {
		return 0, err
	}
	if err := classifyStatus(resp.status, boardNumber); err != nil {
		return 0, err
	}
	if len(resp.payload) < 4 {
		return 0, fmt.Errorf("%w: short FLAG payload", ErrOtherHardware)
	}
	return binary.BigEndian.Uint32(resp.payload[:4]), nil
}

func (t *UDPTransceiver) ReloadFirmware(ctx context.Context, boardNumbers []int) error {
	resp, err := t.roundTrip(ctx, opReloadFirmware, encodeBoardSet(boardNumbers))
	if err != nil {
		return err
	}
	return classifyStatus(resp.status, firstOrZero(boardNumbers))
}

func (t *UDPTransceiver) SetLinkOff(ctx context.Context, boardNumber int, direction Direction) error {
	payload := []byte{byte(boardNumber), byte(direction)}
	resp, err := t.roundTrip(ctx, opSetLinkOff, payload)
	if err != nil {
		return err
	}
	return classifyStatus(resp.status, boardNumber)
}

func (t *UDPTransceiver) ReadSerial(ctx context.Context, boardNumber int) (string, error) {
	resp, err := t.roundTrip(ctx, opReadSerial, []byte{byte(boardNumber)})
	if err != nil {
		return "", err
	}
	if err := classifyStatus(resp.status, boardNumber); err != nil {
		return "", err
	}
	return string(resp.payload), nil
}

func (t *UDPTransceiver) ReadBlacklist(ctx context.Context, boardNumber int) (string, string, error) {
	resp, err := t.roundTrip(ctx, opReadBlacklist, []byte{byte(boardNumber)})
	if err != nil {
		return "", "", err
	}
	if err := classifyStatus(resp.status, boardNumber); err != nil {
		return "", "", err
	}
	serial, err := t.ReadSerial(ctx, boardNumber)
	if err != nil {
		return "", "", err
	}
	return string(resp.payload), serial, nil
}

func (t *UDPTransceiver) WriteBlacklist(ctx context.Context, boardNumber int, blacklist, expectedSerial string) error {
	actual, err := t.ReadSerial(ctx, boardNumber)
	if err != nil {
		return err
	}
	if actual != expectedSerial {
		return fmt.Errorf("%w: expected %q, BMP reports %q", ErrSerialMismatch, expectedSerial, actual)
	}
	payload := append([]byte{byte(boardNumber)}, []byte(blacklist)...)
	resp, err := t.roundTrip(ctx, opWriteBlacklist, payload)
	if err != nil {
		return err
	}
	return classifyStatus(resp.status, boardNumber)
}

func (t *UDPTransceiver) ReadVersion(ctx context.Context) (string, error) {
	resp, err := t.roundTrip(ctx, opReadVersion, nil)
	if err != nil {
		return "", err
	}
	if err := classifyStatus(resp.status, 0); err != nil {
		return "", err
	}
	return string(resp.payload), nil
}

func (t *UDPTransceiver) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}

func encodeBoardSet(boardNumbers []int) []byte {
	buf := make([]byte, len(boardNumbers))
	for i, bn := range boardNumbers {
		buf[i] = byte(bn)
	}
	return buf
}

func firstOrZero(boardNumbers []int) int {
	if len(boardNumbers) == 0 {
		return 0
	}
	return boardNumbers[0]
}
