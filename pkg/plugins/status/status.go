// Package status reports host resource usage.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"qqbot/pkg/handler"
	"qqbot/pkg/registry"
)

const (
	Kind          = "status"
	CommandStatus = "/运行状态"
)

func init() {
	registry.Register(Kind, New)
}

type Settings struct {
	DiskPath string `yaml:"disk_path"`
}

// Sample is one reading of host resource usage.
type Sample struct {
	Uptime     time.Duration
	CPUPercent float64
	MemUsed    uint64
	MemTotal   uint64
	DiskUsed   uint64
	DiskTotal  uint64
	Load1      float64
	Load5      float64
}

type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

type Handler struct {
	sampler Sampler
	log     *slog.Logger
}

func New(_ context.Context, manifest registry.Manifest) (handler.Handler, error) {
	settings := Settings{DiskPath: "/"}
	if err := manifest.DecodeSettings(&settings); err != nil {
		return nil, err
	}

	return NewHandler(&hostSampler{diskPath: settings.DiskPath, started: processStart()}), nil
}

func NewHandler(sampler Sampler) *Handler {
	return &Handler{
		sampler: sampler,
		log:     slog.Default().With("component", "plugins.status"),
	}
}

func (h *Handler) Description() string {
	return "host uptime, cpu, memory, disk and load"
}

func (h *Handler) HandleCommand(ctx context.Context, text string, _ handler.CommandContext) (handler.Reply, error) {
	if text != CommandStatus {
		return handler.NoReply, nil
	}

	sample, err := h.sampler.Sample(ctx)
	if err != nil {
		return handler.NoReply, fmt.Errorf("sample host status: %w", err)
	}
	return handler.Text(Format(sample)), nil
}

// Format renders a sample the way the bot replies to /运行状态.
func Format(s Sample) string {
	const mib = 1024 * 1024
	const gib = 1024 * mib

	return fmt.Sprintf(
		"🕒 运行时间: %s\n"+
			"💻 CPU使用率: %.1f%%\n"+
			"🧠 内存使用: %.1fMB / %.1fMB\n"+
			"💾 磁盘使用: %.1fGB / %.1fGB\n"+
			"📊 系统负载: %.2f (1分钟), %.2f (5分钟)",
		formatUptime(s.Uptime),
		s.CPUPercent,
		float64(s.MemUsed)/mib, float64(s.MemTotal)/mib,
		float64(s.DiskUsed)/gib, float64(s.DiskTotal)/gib,
		s.Load1, s.Load5,
	)
}

func formatUptime(d time.Duration) string {
	total := int64(d / time.Minute)
	days := total / (24 * 60)
	hours := total % (24 * 60) / 60
	minutes := total % 60
	return fmt.Sprintf("%d天%d小时%d分", days, hours, minutes)
}

type hostSampler struct {
	diskPath string
	started  time.Time
}

func (s *hostSampler) Sample(ctx context.Context) (Sample, error) {
	sample := Sample{Uptime: time.Since(s.started)}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("read cpu: %w", err)
	}
	if len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read memory: %w", err)
	}
	sample.MemUsed, sample.MemTotal = vm.Used, vm.Total

	usage, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return Sample{}, fmt.Errorf("read disk %s: %w", s.diskPath, err)
	}
	sample.DiskUsed, sample.DiskTotal = usage.Used, usage.Total

	// Load averages are unavailable on some platforms; report zeros there.
	if avg, err := load.AvgWithContext(ctx); err == nil {
		sample.Load1, sample.Load5 = avg.Load1, avg.Load5
	}

	return sample, nil
}

// processStart returns when this process started, falling back to now.
func processStart() time.Time {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return time.Now()
	}
	millis, err := p.CreateTime()
	if err != nil {
		return time.Now()
	}
	return time.UnixMilli(millis)
}
