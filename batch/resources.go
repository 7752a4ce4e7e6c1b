package batch

import (
	"fmt"
	"time"

	"v360batch/config"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// resourceGate verifies that the host has enough headroom to start a batch
// writing into dir. A zero threshold disables its check.
func resourceGate(cfg *config.Config, logger *zap.Logger) func(dir string) error {
	return func(dir string) error {
		if cfg.ThrottleCPU > 0 {
			p, err := cpu.Percent(time.Second, false)
			if err != nil {
				logger.Warn("could not get CPU usage", zap.Error(err))
			} else if len(p) > 0 && p[0] > (100.0-cfg.ThrottleCPU) {
				return fmt.Errorf("%w: not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%",
					ErrInsufficientResources, p[0], cfg.ThrottleCPU)
			}
		}

		if cfg.ThrottleFreeMem > 0 {
			vm, err := mem.VirtualMemory()
			if err != nil {
				logger.Warn("could not get memory usage", zap.Error(err))
			} else if vm.Available < uint64(cfg.ThrottleFreeMem) {
				return fmt.Errorf("%w: not enough free memory. Available: %d, Required: %d",
					ErrInsufficientResources, vm.Available, cfg.ThrottleFreeMem)
			}
		}

		if cfg.ThrottleFreeDisk > 0 {
			d, err := disk.Usage(dir)
			if err != nil {
				logger.Warn("could not get disk usage", zap.String("dir", dir), zap.Error(err))
			} else if d.Free < uint64(cfg.ThrottleFreeDisk) {
				return fmt.Errorf("%w: not enough free disk space. Available: %d, Required: %d",
					ErrInsufficientResources, d.Free, cfg.ThrottleFreeDisk)
			}
		}
		return nil
	}
}
