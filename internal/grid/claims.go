package grid

import "sync"

// claimIndex is the single shared mutable structure during execution. A
// worker must claim a cell identity before running it; the test-and-set
// under one mutex is what guarantees at-most-one execution per identity
// even with concurrent workers.
type claimIndex struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func newClaimIndex() *claimIndex {
	return &claimIndex{claimed: make(map[string]bool)}
}

// claim atomically marks the identity as taken. It returns false when some
// other worker already holds it.
func (c *claimIndex) claim(cellID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed[cellID] {
		return false
	}
	c.claimed[cellID] = true
	return true
}
