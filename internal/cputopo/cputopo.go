// Package cputopo reports the host CPU layout: packages, physical cores,
// hardware threads, and the performance/efficiency core split on hybrid
// parts. The probe runs once per process; hardware does not change under us.
package cputopo

import "sync"

// Package is one physical CPU package (socket).
type Package struct {
	// Physical core count, efficiency cores included.
	Cores int
	// Cores classified as efficiency cores. Zero on homogeneous parts.
	EfficiencyCores int
	// Hardware threads across all cores in this package.
	Threads int
}

// Topology is the detected CPU layout of the host.
type Topology struct {
	Packages []Package
}

// TotalCores sums physical cores across packages.
func (t Topology) TotalCores() int {
	n := 0
	for _, p := range t.Packages {
		n += p.Cores
	}
	return n
}

// TotalThreads sums hardware threads across packages.
func (t Topology) TotalThreads() int {
	n := 0
	for _, p := range t.Packages {
		n += p.Threads
	}
	return n
}

var (
	detectOnce sync.Once
	detected   Topology
)

// Detect returns the host topology, probing on first call and caching for
// the process lifetime. Probe failures degrade to a single homogeneous
// package sized by runtime.NumCPU; Detect never fails.
func Detect() Topology {
	detectOnce.Do(func() {
		detected = probe()
	})
	return detected
}
