// Package protocol implements the Modbus dialect spoken by BluPow-class
// devices over BLE characteristics: register-addressed read/write frames with
// a trailing CRC16, carried in characteristic writes and notifications.
//
// Everything in this package is stateless and performs no I/O.
package protocol

import (
	"errors"
	"fmt"
)

// Function codes used by the supported device families.
const (
	FuncReadHolding   byte = 0x03
	FuncWriteRegister byte = 0x06
)

// respHeaderLen is the size of the response header: device id, function code
// and byte count. The payload starts directly after it. This offset is 3, not
// 2 - the byte-count octet is part of the header, and parsing from offset 2
// yields plausible-looking but wrong values.
const respHeaderLen = 3

// crcLen is the size of the trailing checksum.
const crcLen = 2

// Frame parse errors. All of them mean "treat this poll as failed"; none are
// fatal to the caller.
var (
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrTruncatedFrame     = errors.New("truncated frame")
	ErrUnexpectedDeviceID = errors.New("unexpected device id")
	ErrUnexpectedFunction = errors.New("unexpected function code")
)

// CRC16 computes the Modbus CRC (polynomial 0xA001) over data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC appends the CRC16 of frame in little-endian order, low byte first
// as Modbus requires.
func appendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// BuildReadRequest assembles a register read request frame:
// [deviceID, function, startHi, startLo, countHi, countLo, crcLo, crcHi].
func BuildReadRequest(deviceID, function byte, start, count uint16) []byte {
	frame := []byte{
		deviceID,
		function,
		byte(start >> 8), byte(start & 0xFF),
		byte(count >> 8), byte(count & 0xFF),
	}
	return appendCRC(frame)
}

// BuildWriteRequest assembles a single-register write request frame
// (function 0x06): [deviceID, 0x06, regHi, regLo, valHi, valLo, crcLo, crcHi].
func BuildWriteRequest(deviceID byte, register, value uint16) []byte {
	frame := []byte{
		deviceID,
		FuncWriteRegister,
		byte(register >> 8), byte(register & 0xFF),
		byte(value >> 8), byte(value & 0xFF),
	}
	return appendCRC(frame)
}

// ParseReadResponse validates a read response frame and returns its register
// payload. expectWords is the number of 16-bit registers requested; the
// response must carry exactly expectWords*2 payload bytes. The echoed device
// id and function code must match the request.
func ParseReadResponse(frame []byte, expectWords int, deviceID, function byte) ([]byte, error) {
	wantPayload := expectWords * 2

	if len(frame) < respHeaderLen+crcLen {
		return nil, fmt.Errorf("%w: got %d bytes", ErrTruncatedFrame, len(frame))
	}

	body := frame[:len(frame)-crcLen]
	gotCRC := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	if CRC16(body) != gotCRC {
		return nil, fmt.Errorf("%w: computed 0x%04X, frame carries 0x%04X", ErrChecksumMismatch, CRC16(body), gotCRC)
	}

	if frame[0] != deviceID {
		return nil, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrUnexpectedDeviceID, frame[0], deviceID)
	}
	if frame[1] != function {
		return nil, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrUnexpectedFunction, frame[1], function)
	}

	byteCount := int(frame[2])
	if byteCount != wantPayload {
		return nil, fmt.Errorf("%w: byte count %d, want %d", ErrTruncatedFrame, byteCount, wantPayload)
	}
	if len(body) < respHeaderLen+byteCount {
		return nil, fmt.Errorf("%w: frame carries %d payload bytes, header promises %d",
			ErrTruncatedFrame, len(body)-respHeaderLen, byteCount)
	}

	return frame[respHeaderLen : respHeaderLen+byteCount], nil
}
