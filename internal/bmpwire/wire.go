// SPDX-License-Identifier: BSD-3-Clause

package bmpwire

import (
	"encoding/binary"
	"fmt"
)

// opcode identifies a BMP command within one UDP datagram.
type opcode uint16

const (
	opPowerOn        opcode = 0x01
	opPowerOff       opcode = 0x02
	opReadFPGAReg    opcode = 0x03
	opReloadFirmware opcode = 0x04
	opSetLinkOff     opcode = 0x05
	opReadSerial     opcode = 0x06
	opReadBlacklist  opcode = 0x07
	opWriteBlacklist opcode = 0x08
	opReadVersion    opcode = 0x09
)

// frame is the minimal SCAMP/BMP-style request/reply envelope: a sequence
// number to match replies to requests, an opcode, and an opaque payload.
// This covers only the subset of the real SCAMP opcode set this
// controller's C1 operations exercise — not the full protocol.
type frame struct {
	seq     uint32
	op      opcode
	status  uint16 // 0 on a reply means success; nonzero carries an error class
	payload []byte
}

const frameHeaderLen = 4 + 2 + 2 // seq + op + status

func encodeFrame(f frame) []byte {
	buf := make([]byte, frameHeaderLen+len(f.payload))
	binary.BigEndian.PutUint32(buf[0:4], f.seq)
	binary.BigEndian.PutUint16(buf[4:6], uint16(f.op))
	binary.BigEndian.PutUint16(buf[6:8], f.status)
	copy(buf[8:], f.payload)
	return buf
}

func decodeFrame(buf []byte) (frame, error) {
	if len(buf) < frameHeaderLen {
		return frame{}, fmt.Errorf("%w: short frame (%d bytes)", ErrOtherHardware, len(buf))
	}
	return frame{
		seq:     binary.BigEndian.Uint32(buf[0:4]),
		op:      opcode(binary.BigEndian.Uint16(buf[4:6])),
		status:  binary.BigEndian.Uint16(buf[6:8]),
		payload: append([]byte(nil), buf[8:]...),
	}, nil
}

// Reply status codes. statusOK is the only non-error value; the rest map
// directly onto the classification in errors.go.
const (
	statusOK             uint16 = 0
	statusTransient      uint16 = 1
	statusPermanent      uint16 = 2
	statusCallerBug      uint16 = 3
	statusTooOldForFPGAs uint16 = 4
)

func classifyStatus(status uint16, boardNumber int) error {
	switch status {
	case statusOK:
		return nil
	case statusTransient:
		return ErrTransient
	case statusPermanent:
		return NewPermanentFailure(boardNumber, ErrOtherHardware)
	case statusCallerBug:
		return ErrCallerBug
	case statusTooOldForFPGAs:
		return ErrTooOldForFPGA
	default:
		return fmt.Errorf("%w: unrecognized status %d", ErrOtherHardware, status)
	}
}
