//go:build linux

package cidmap

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// Sample reads RSS from /proc/self/stat and MemTotal from /proc/meminfo.
func (*ProcessSampler) Sample() (MemorySample, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return MemorySample{}, fmt.Errorf("open procfs: %w", err)
	}
	self, err := fs.Self()
	if err != nil {
		return MemorySample{}, fmt.Errorf("read /proc/self: %w", err)
	}
	stat, err := self.Stat()
	if err != nil {
		return MemorySample{}, fmt.Errorf("read /proc/self/stat: %w", err)
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return MemorySample{}, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	if mi.MemTotal == nil {
		return MemorySample{}, fmt.Errorf("read /proc/meminfo: MemTotal missing")
	}
	return MemorySample{
		RSSBytes:   uint64(stat.ResidentMemory()),
		TotalBytes: *mi.MemTotal * 1024, // kB
	}, nil
}
