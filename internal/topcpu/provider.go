package topcpu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/kloudmate/live-metrics-agent/internal/models"
)

// GopsutilProvider lists processes through gopsutil. Processes that exit or
// hide their details mid-scan are skipped.
type GopsutilProvider struct {
	logger *zap.Logger
	self   int32
}

func NewGopsutilProvider(logger *zap.Logger) *GopsutilProvider {
	return &GopsutilProvider{logger: logger}
}

func (p *GopsutilProvider) Initialize() error {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("failed to open own process: %w", mapErr(err))
	}
	if _, err := self.Times(); err != nil {
		return fmt.Errorf("failed to read own cpu times: %w", mapErr(err))
	}
	p.self = self.Pid
	return nil
}

func (p *GopsutilProvider) Processes(ctx context.Context) ([]models.ProcessObservation, *time.Duration, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list processes: %w", mapErr(err))
	}

	observations := make([]models.ProcessObservation, 0, len(procs))
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		times, err := proc.TimesWithContext(ctx)
		if err != nil {
			if proc.Pid == p.self {
				return nil, nil, fmt.Errorf("failed to read own cpu times: %w", mapErr(err))
			}
			continue
		}
		observations = append(observations, models.ProcessObservation{
			Name:               name,
			TotalProcessorTime: seconds(times.User + times.System),
		})
	}

	total, err := systemTime(ctx)
	if err != nil {
		p.logger.Debug("System cpu time unavailable", zap.Error(err))
		return observations, nil, nil
	}
	return observations, total, nil
}

func (p *GopsutilProvider) Close() error {
	return nil
}

func systemTime(ctx context.Context) (*time.Duration, error) {
	stats, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return nil, errors.New("no cpu times reported")
	}
	t := stats[0]
	total := seconds(t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal)
	return &total, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func mapErr(err error) error {
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return err
}
