package pipeline

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// Run IDs are ULIDs: 26 Crockford Base32 characters over a 48-bit
// millisecond timestamp and 80 random bits. They sort by creation time,
// so artifact directories list in run order.

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var (
	runIDMu   sync.Mutex
	runIDLast uint64
	runIDSeq  uint16
)

// NewRunID returns a fresh run identifier. IDs minted within the same
// millisecond stay unique and ordered through a sequence counter.
func NewRunID() string {
	runIDMu.Lock()
	defer runIDMu.Unlock()

	ts := uint64(time.Now().UnixMilli())
	if ts == runIDLast {
		runIDSeq++
	} else {
		runIDLast = ts
		runIDSeq = 0
	}

	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], ts<<16)
	rand.Read(b[6:])
	binary.BigEndian.PutUint16(b[6:8], runIDSeq)
	return encodeCrockford(b)
}

// encodeCrockford renders 128 bits as 26 Base32 characters, most
// significant bits first, left-padded with two zero bits so the groups
// divide evenly.
func encodeCrockford(b [16]byte) string {
	var out [26]byte
	acc, bits, pos := uint(0), 2, 0
	for _, by := range b {
		acc = acc<<8 | uint(by)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out[pos] = crockford[(acc>>bits)&31]
			pos++
		}
	}
	return string(out[:])
}
