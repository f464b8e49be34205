package cputopo

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const sysCPURoot = "/sys/devices/system/cpu"

func probe() Topology {
	if t, ok := parseSysfs(sysCPURoot); ok {
		return t
	}
	return fallback()
}

type coreKey struct {
	pkg  int
	core int
}

// parseSysfs walks cpuN directories and reconstructs the package/core layout.
// Efficiency cores are recognized by a cpu_capacity below the maximum seen;
// hybrid parts (big.LITTLE, P/E x86) expose reduced capacity for small cores.
func parseSysfs(root string) (Topology, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return Topology{}, false
	}

	type cpuInfo struct {
		pkg      int
		core     int
		capacity int
	}
	var cpus []cpuInfo
	maxCapacity := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		if _, err := strconv.Atoi(name[3:]); err != nil {
			continue // cpufreq, cpuidle, ...
		}
		dir := filepath.Join(root, name)
		pkg, err1 := readInt(filepath.Join(dir, "topology", "physical_package_id"))
		core, err2 := readInt(filepath.Join(dir, "topology", "core_id"))
		if err1 != nil || err2 != nil {
			continue
		}
		capacity, err := readInt(filepath.Join(dir, "cpu_capacity"))
		if err != nil {
			capacity = 0 // homogeneous or capacity not exposed
		}
		if capacity > maxCapacity {
			maxCapacity = capacity
		}
		cpus = append(cpus, cpuInfo{pkg: pkg, core: core, capacity: capacity})
	}
	if len(cpus) == 0 {
		return Topology{}, false
	}

	pkgThreads := map[int]int{}
	coreCapacity := map[coreKey]int{}
	for _, c := range cpus {
		pkgThreads[c.pkg]++
		k := coreKey{pkg: c.pkg, core: c.core}
		if c.capacity > coreCapacity[k] {
			coreCapacity[k] = c.capacity
		}
	}

	pkgCores := map[int]int{}
	pkgEff := map[int]int{}
	for k, capacity := range coreCapacity {
		pkgCores[k.pkg]++
		if maxCapacity > 0 && capacity < maxCapacity {
			pkgEff[k.pkg]++
		}
	}

	// Stable order: ascending package id.
	ids := make([]int, 0, len(pkgCores))
	for id := range pkgCores {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}

	var t Topology
	for _, id := range ids {
		t.Packages = append(t.Packages, Package{
			Cores:           pkgCores[id],
			EfficiencyCores: pkgEff[id],
			Threads:         pkgThreads[id],
		})
	}
	return t, true
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}
