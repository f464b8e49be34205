package estimate

import "runnerd/internal/cputopo"

// OptimalThreadCount returns the number of threads the engine should use for
// one blocking computation: the performance cores across all packages.
// Efficiency cores are excluded; mixing them into a latency-bound compute
// loop drags worst-case step time down to the slowest core.
func OptimalThreadCount(topo cputopo.Topology) int {
	n := 0
	for _, p := range topo.Packages {
		if c := p.Cores - p.EfficiencyCores; c > 0 {
			n += c
		}
	}
	return n
}
