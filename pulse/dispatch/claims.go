package dispatch

import (
	"sort"
	"sync"
)

type claimResult int

const (
	claimed claimResult = iota
	resourceBusy
	capReached
)

// claimSet tracks which resources this process is executing. The resource
// check, the cap check and the insert happen under one lock so two ticks can
// never both claim the last slot or the same resource.
type claimSet struct {
	mu     sync.Mutex
	active map[int64]struct{}
	max    int
}

func newClaimSet(max int) *claimSet {
	return &claimSet{active: make(map[int64]struct{}), max: max}
}

func (c *claimSet) claim(resourceID int64) claimResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.active) >= c.max {
		return capReached
	}
	if _, busy := c.active[resourceID]; busy {
		return resourceBusy
	}
	c.active[resourceID] = struct{}{}
	return claimed
}

func (c *claimSet) release(resourceID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, resourceID)
}

// setMax changes the cap; running jobs above a lowered cap finish normally
func (c *claimSet) setMax(max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.max = max
}

func (c *claimSet) snapshot() (resources []int64, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resources = make([]int64, 0, len(c.active))
	for id := range c.active {
		resources = append(resources, id)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i] < resources[j] })
	return resources, c.max
}
