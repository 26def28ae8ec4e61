package pool

import "fmt"

// portAllocator hands out host ports from the configured range, lowest free
// first. Not safe for concurrent use; the pool mutex guards it.
type portAllocator struct {
	start int
	end   int
	used  map[int]bool
}

func newPortAllocator(start, end int) *portAllocator {
	return &portAllocator{
		start: start,
		end:   end,
		used:  make(map[int]bool),
	}
}

func (a *portAllocator) Allocate() (int, error) {
	for p := a.start; p <= a.end; p++ {
		if !a.used[p] {
			a.used[p] = true
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free ports in range %d-%d", a.start, a.end)
}

func (a *portAllocator) Release(port int) {
	delete(a.used, port)
}

func (a *portAllocator) InUse() int {
	return len(a.used)
}
