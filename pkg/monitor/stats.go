package monitor

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

// childStats samples the wrapped process's CPU and resident memory for the
// log line accompanying a trigger. Failures yield empty fields; the process
// may already be gone by the time the sample is taken.
func childStats(pid int) logrus.Fields {
	fields := logrus.Fields{}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return fields
	}

	if cpu, err := proc.CPUPercent(); err == nil {
		fields["cpu_percent"] = fmt.Sprintf("%.1f", cpu)
	}

	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		fields["rss_mb"] = mem.RSS / (1 << 20)
	}

	return fields
}
