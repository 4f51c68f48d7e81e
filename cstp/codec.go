package cstp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire framing: every frame is an 8-byte header followed by the payload.
//
//	0     1     2     3     4        5        6      7
//	'S'   'T'   'F'   0x01  len_hi   len_lo   type   0x00
//
// len covers the payload only, so a frame carries at most 64k-1 bytes.
const (
	headerLen  = 8
	maxPayload = (1 << 16) - 1
)

type frameType byte

const (
	frameData        frameType = 0
	frameDPDRequest  frameType = 3
	frameDPDResponse frameType = 4
	frameDisconnect  frameType = 5
	frameKeepalive   frameType = 7
	frameTerminate   frameType = 9
)

func (t frameType) String() string {
	switch t {
	case frameData:
		return "data"
	case frameDPDRequest:
		return "DPD request"
	case frameDPDResponse:
		return "DPD response"
	case frameDisconnect:
		return "disconnect"
	case frameKeepalive:
		return "keepalive"
	case frameTerminate:
		return "terminate"
	}
	return fmt.Sprintf("unknown (0x%02x)", byte(t))
}

// appendFrame appends a framed payload to dst and returns the extended slice.
func appendFrame(dst []byte, t frameType, payload []byte) []byte {
	dst = append(dst, 'S', 'T', 'F', 0x01)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	dst = append(dst, byte(t), 0x00)
	return append(dst, payload...)
}

// readFrame reads exactly one frame. The payload slice aliases buf.
func readFrame(r io.Reader, buf []byte) (frameType, []byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	if hdr[0] != 'S' || hdr[1] != 'T' || hdr[2] != 'F' || hdr[3] != 0x01 || hdr[7] != 0x00 {
		return 0, nil, fmt.Errorf("cstp: bad frame header % x", hdr)
	}
	n := int(binary.BigEndian.Uint16(hdr[4:6]))
	if n > len(buf) {
		return 0, nil, fmt.Errorf("cstp: oversized frame (%d bytes)", n)
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return 0, nil, err
	}
	return frameType(hdr[6]), buf[:n], nil
}
