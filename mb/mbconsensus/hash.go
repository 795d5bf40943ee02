package mbconsensus

import (
	"encoding/binary"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

func newHasher() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only possible with an oversized key.
		panic(fmt.Errorf("BUG: failed to create blake2b hasher: %w", err))
	}
	return h
}

// hashWriter writes length-prefixed and fixed-width values into a hash.
// Writes to a hash.Hash never fail.
type hashWriter struct {
	h   hash.Hash
	buf [8]byte
}

func newHashWriter() *hashWriter {
	return &hashWriter{h: newHasher()}
}

func (w *hashWriter) u8(v uint8) {
	_, _ = w.h.Write([]byte{v})
}

func (w *hashWriter) u16(v uint16) {
	binary.BigEndian.PutUint16(w.buf[:2], v)
	_, _ = w.h.Write(w.buf[:2])
}

func (w *hashWriter) u32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[:4], v)
	_, _ = w.h.Write(w.buf[:4])
}

func (w *hashWriter) u64(v uint64) {
	binary.BigEndian.PutUint64(w.buf[:], v)
	_, _ = w.h.Write(w.buf[:])
}

func (w *hashWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	_, _ = w.h.Write(b)
}

func (w *hashWriter) sum() []byte {
	return w.h.Sum(nil)
}
