package simulation

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
)

// streamFor derives an isolated random stream for one transform. The stream
// is keyed on (seed, position index, transform name) via sha256, so two
// transforms in the same config never share a sequence and a transform's
// sequence survives unrelated edits to the rest of the list.
func streamFor(seed int64, index int, name string) *rand.Rand {
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(index))
	h.Write(buf[:])
	h.Write([]byte(name))

	sum := h.Sum(nil)
	return rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))
}
