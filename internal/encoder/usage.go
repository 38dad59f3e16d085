package encoder

import (
	"context"

	psprocess "github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource snapshot of an encoder process.
type Usage struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
}

// SampleUsage reads CPU and memory use of pid. CPU is averaged over the
// lifetime of the process.
func SampleUsage(ctx context.Context, pid int) (Usage, error) {
	proc, err := psprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, err
	}
	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	return Usage{CPUPercent: cpu, RSSBytes: mem.RSS}, nil
}
