// Package grid expands experiment definitions into (run × simulation ×
// algorithm) cells, assigns each a stable identity, and drives concurrent
// execution with at-most-one-execution and full provenance per cell.
package grid

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/JoergBesier/LUNA-device-detector/internal/detector"
	"github.com/JoergBesier/LUNA-device-detector/internal/simulation"
)

// Cell is one (run, simulation config, algorithm config) combination.
type Cell struct {
	RunID      int64             `json:"run_id"`
	Simulation simulation.Config `json:"simulation"`
	Algorithm  detector.Config   `json:"algorithm"`
}

// Identity returns the cell's stable identity: a sha256 over a canonical,
// length-prefixed encoding of the tuple. Equal tuples always produce equal
// identities; the encoding is unambiguous, so distinct tuples can only
// share an identity through a hash collision, which the expander treats as
// a fatal integrity error.
func (c Cell) Identity() string {
	sum := sha256.Sum256(c.canonical())
	return hex.EncodeToString(sum[:])
}

// SweepKey identifies the sweep group this cell belongs to: cells sharing
// run and algorithm config, differing only in simulation.
func (c Cell) SweepKey() string {
	var buf bytes.Buffer
	writeField(&buf, []byte(strconv.FormatInt(c.RunID, 10)))
	encodeAlgorithm(&buf, c.Algorithm)
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:16])
}

// String returns a short human-readable form for logs.
func (c Cell) String() string {
	return fmt.Sprintf("run=%d sim=%s alg=%s", c.RunID, c.Simulation.Name, c.Algorithm.Algorithm)
}

// canonical encodes the tuple unambiguously: every field length-prefixed,
// map keys sorted, numbers in a fixed textual form. Two cells are the same
// tuple exactly when their canonical encodings are byte-equal.
func (c Cell) canonical() []byte {
	var buf bytes.Buffer

	writeField(&buf, []byte(strconv.FormatInt(c.RunID, 10)))

	writeField(&buf, []byte(c.Simulation.Name))
	writeField(&buf, []byte(strconv.FormatInt(c.Simulation.Seed, 10)))
	writeField(&buf, []byte(strconv.FormatFloat(c.Simulation.Severity, 'g', -1, 64)))
	writeCount(&buf, len(c.Simulation.Transforms))
	for _, t := range c.Simulation.Transforms {
		writeField(&buf, []byte(t.Name))
		encodeParams(&buf, t.Params)
	}

	encodeAlgorithm(&buf, c.Algorithm)

	return buf.Bytes()
}

func encodeAlgorithm(buf *bytes.Buffer, cfg detector.Config) {
	writeField(buf, []byte(cfg.Algorithm))
	encodeParams(buf, cfg.Params)
}

func encodeParams(buf *bytes.Buffer, params map[string]any) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writeCount(buf, len(keys))
	for _, k := range keys {
		writeField(buf, []byte(k))
		writeField(buf, []byte(canonicalValue(params[k])))
	}
}

// canonicalValue renders a parameter value in a fixed textual form, tagged
// by type so "1" the string and 1 the number stay distinct.
func canonicalValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case bool:
		return "b:" + strconv.FormatBool(x)
	case string:
		return "s:" + x
	case int:
		return "f:" + strconv.FormatFloat(float64(x), 'g', -1, 64)
	case int64:
		return "f:" + strconv.FormatFloat(float64(x), 'g', -1, 64)
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return "f:" + strconv.FormatFloat(float64(x), 'g', -1, 64)
	default:
		return fmt.Sprintf("x:%v", x)
	}
}

func writeField(buf *bytes.Buffer, data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	buf.Write(length[:])
	buf.Write(data)
}

func writeCount(buf *bytes.Buffer, n int) {
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(n))
	buf.Write(count[:])
}
