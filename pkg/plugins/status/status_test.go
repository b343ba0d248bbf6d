package status

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"qqbot/pkg/handler"
)

type fixedSampler struct {
	sample Sample
	err    error
}

func (s fixedSampler) Sample(context.Context) (Sample, error) {
	return s.sample, s.err
}

func TestStatusReply(t *testing.T) {
	t.Parallel()

	h := NewHandler(fixedSampler{sample: Sample{
		Uptime:     26*time.Hour + 5*time.Minute,
		CPUPercent: 12.5,
		MemUsed:    512 * 1024 * 1024,
		MemTotal:   2048 * 1024 * 1024,
		DiskUsed:   10 * 1024 * 1024 * 1024,
		DiskTotal:  40 * 1024 * 1024 * 1024,
		Load1:      0.5,
		Load5:      0.25,
	}})

	reply, err := h.HandleCommand(context.Background(), CommandStatus, handler.CommandContext{})
	if err != nil {
		t.Fatalf("HandleCommand error: %v", err)
	}

	for _, want := range []string{"1天2小时5分", "12.5%", "512.0MB / 2048.0MB", "10.0GB / 40.0GB", "0.50 (1分钟), 0.25 (5分钟)"} {
		if !strings.Contains(reply.String(), want) {
			t.Fatalf("reply %q missing %q", reply, want)
		}
	}
}

func TestStatusIgnoresOtherCommands(t *testing.T) {
	t.Parallel()

	h := NewHandler(fixedSampler{})
	reply, err := h.HandleCommand(context.Background(), "/帮助", handler.CommandContext{})
	if err != nil || reply.Present() {
		t.Fatalf("reply = (%q, %v), want none", reply, err)
	}
}

func TestStatusSamplerError(t *testing.T) {
	t.Parallel()

	h := NewHandler(fixedSampler{err: errors.New("no procfs")})
	if _, err := h.HandleCommand(context.Background(), CommandStatus, handler.CommandContext{}); err == nil {
		t.Fatal("expected sampler error")
	}
}

func TestHostSampler(t *testing.T) {
	t.Parallel()

	sampler := &hostSampler{diskPath: t.TempDir(), started: time.Now().Add(-time.Minute)}
	sample, err := sampler.Sample(context.Background())
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	if sample.MemTotal == 0 || sample.DiskTotal == 0 {
		t.Fatalf("sample = %+v, want non-zero totals", sample)
	}
	if sample.Uptime < time.Minute {
		t.Fatalf("uptime = %s, want at least 1m", sample.Uptime)
	}
}
