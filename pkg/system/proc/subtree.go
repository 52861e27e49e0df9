//go:build linux

package proc

import "github.com/orderforge/ordersvc/pkg/system/util"

// Sampler refreshes per-PID cumulative CPU time for an entire process
// subtree, rooted at a single PID, tick after tick. It never forgets a PID
// it has seen: once a child exits and is no longer observable, its last
// known CPU time stays in the map forever, which is exactly what makes the
// sum over the map a correct lifetime CPU-time total for billing.
type Sampler struct {
	clkTck   int
	cpuTimes map[int]float64 // pid -> cumulative CPU seconds, last known value
}

// NewSampler builds a Sampler with no PIDs observed yet.
func NewSampler() *Sampler {
	return &Sampler{
		clkTck:   ClockTicks(),
		cpuTimes: make(map[int]float64),
	}
}

// Refresh walks the live subtree rooted at root and updates the sampler's
// per-PID CPU time map. Any /proc read failure for a specific PID, or for a
// branch of the tree, is skipped silently — sampling is best-effort and
// never fatal.
func (s *Sampler) Refresh(root int) {
	for _, pid := range collectSubtree(root) {
		utime, stime, err := ReadProcStat(pid)
		if err != nil {
			continue
		}
		s.cpuTimes[pid] = util.SafeDiv(float64(utime+stime), float64(s.clkTck))
	}
}

// TotalCPUSeconds returns the sum of CPU time across every PID ever
// observed in the subtree.
func (s *Sampler) TotalCPUSeconds() float64 {
	var total float64
	for _, v := range s.cpuTimes {
		total += v
	}
	return total
}

// ProcessesForked returns the count of distinct PIDs ever observed in the
// subtree — the intended billing definition, robust to short-lived
// processes that come and go between ticks.
func (s *Sampler) ProcessesForked() int {
	return len(s.cpuTimes)
}

// collectSubtree performs a breadth-first walk of /proc/<pid>/task/*/children
// starting at root, returning root plus every descendant it could reach.
// A read failure on any branch simply stops descent into that branch; the
// rest of the tree is still collected.
func collectSubtree(root int) []int {
	seen := map[int]struct{}{root: {}}
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]

		children, err := ReadProcChildren(pid)
		if err != nil {
			continue
		}
		for _, c := range children {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			queue = append(queue, c)
		}
	}
	out := make([]int, 0, len(seen))
	for pid := range seen {
		out = append(out, pid)
	}
	return out
}
