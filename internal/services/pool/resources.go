package pool

import (
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/ternarybob/arbor"
)

// MemoryReader reports available host memory in megabytes
type MemoryReader func() (uint64, error)

// ResourceMonitor gates browser launches on free host memory
type ResourceMonitor struct {
	minFreeMB uint64
	readMem   MemoryReader
	logger    arbor.ILogger
}

// NewResourceMonitor creates a monitor; minFreeMB 0 disables the gate
func NewResourceMonitor(minFreeMB uint64, logger arbor.ILogger) *ResourceMonitor {
	return &ResourceMonitor{
		minFreeMB: minFreeMB,
		readMem:   availableMemoryMB,
		logger:    logger,
	}
}

func availableMemoryMB() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available / 1024 / 1024, nil
}

// Sufficient reports whether another browser may be launched. Read failures never block.
func (m *ResourceMonitor) Sufficient() bool {
	if m == nil || m.minFreeMB == 0 {
		return true
	}
	available, err := m.readMem()
	if err != nil {
		m.logger.Debug().Err(err).Msg("Memory read failed, not gating launch")
		return true
	}
	if available < m.minFreeMB {
		m.logger.Warn().
			Int64("available_mb", int64(available)).
			Int64("min_free_mb", int64(m.minFreeMB)).
			Msg("Host memory below launch threshold")
		return false
	}
	return true
}
