package network

import (
	"bufio"

	"github.com/flowmq/broker/codec/packet"
)

// maxSniffBytes is the largest an MQTT fixed header can be: one byte of
// type/flags plus up to four bytes of variable-length remaining length.
const maxSniffBytes = 5

// SniffFixedHeader peeks the next packet's fixed header without
// consuming it from r, so a caller can reject an oversized or malformed
// first frame before committing to the full protocol-version-aware
// decode path in the broker package. maxRemainingLength of 0 disables
// the length check.
//
// It grows the peek one byte at a time and stops as soon as the
// remaining-length encoding's continuation bit clears, rather than
// always demanding the full five bytes up front — a bufio.Reader.Peek
// call blocks until it either fills its request or the underlying
// conn errors, and a short packet (PINGREQ's two bytes, say) may never
// have a fifth byte coming.
func SniffFixedHeader(r *bufio.Reader, maxRemainingLength uint32) (*packet.FixedHeader, error) {
	for n := 2; n <= maxSniffBytes; n++ {
		peeked, _ := r.Peek(n)
		if len(peeked) < n {
			return nil, packet.ErrUnexpectedEOF
		}
		if lengthByteContinues(peeked[n-1]) && n < maxSniffBytes {
			continue
		}

		fh, _, err := packet.ParseFixedHeaderFromBytes(peeked)
		if err != nil {
			return nil, err
		}
		if maxRemainingLength > 0 && fh.RemainingLength > maxRemainingLength {
			return nil, packet.ErrMalformedRemainingLen
		}
		return fh, nil
	}
	return nil, packet.ErrMalformedRemainingLen
}

func lengthByteContinues(b byte) bool {
	return b&0x80 != 0
}
