package cputopo

import "runtime"

// fallback assumes one homogeneous package with a thread per core. Used when
// the platform probe is unavailable or returns nothing usable.
func fallback() Topology {
	n := runtime.NumCPU()
	if n <= 0 {
		n = 1
	}
	return Topology{Packages: []Package{{Cores: n, Threads: n}}}
}
