package cputopo

import "syscall"

// Apple silicon exposes performance and efficiency clusters as perflevels;
// perflevel0 is the performance cluster. Intel Macs lack the perflevel keys
// and fall through to the homogeneous path.
func probe() Topology {
	perf, errP := sysctlInt("hw.perflevel0.physicalcpu")
	if errP != nil || perf <= 0 {
		return fallback()
	}
	eff, err := sysctlInt("hw.perflevel1.physicalcpu")
	if err != nil {
		eff = 0
	}
	threads, err := sysctlInt("hw.logicalcpu")
	if err != nil || threads <= 0 {
		threads = perf + eff
	}
	return Topology{Packages: []Package{{
		Cores:           perf + eff,
		EfficiencyCores: eff,
		Threads:         threads,
	}}}
}

func sysctlInt(name string) (int, error) {
	v, err := syscall.SysctlUint32(name)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}
