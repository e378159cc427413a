package core

import (
	"log/slog"
	"time"
)

// StageReport records one executed stage of a run
type StageReport struct {
	Index       int                `json:"index"`
	Filter      string             `json:"filter"`
	Input       string             `json:"input"`
	Output      string             `json:"output"`
	Passthrough bool               `json:"passthrough"`
	Duration    time.Duration      `json:"duration_ns"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// Trace is the ordered list of stages a run executed
type Trace struct {
	Stages []StageReport `json:"stages"`
}

// TraceSummary aggregates stage timings
type TraceSummary struct {
	Stages        int           `json:"stages"`
	Filtered      int           `json:"filtered"`
	Passthrough   int           `json:"passthrough"`
	Total         time.Duration `json:"total_ns"`
	Average       time.Duration `json:"average_ns"`
	Slowest       time.Duration `json:"slowest_ns"`
	SlowestFilter string        `json:"slowest_filter,omitempty"`
}

func (t *Trace) record(logger *slog.Logger, report StageReport) {
	t.Stages = append(t.Stages, report)

	attrs := []any{
		"stage", report.Index,
		"filter", report.Filter,
		"passthrough", report.Passthrough,
		"duration_ms", report.Duration.Milliseconds(),
	}
	if psnr, ok := report.Metrics["psnr"]; ok {
		attrs = append(attrs, "psnr", psnr)
	}
	if ssim, ok := report.Metrics["ssim"]; ok {
		attrs = append(attrs, "ssim", ssim)
	}
	logger.Debug("PIPELINE: Stage completed", attrs...)
}

func (t Trace) Summary() TraceSummary {
	var s TraceSummary
	for _, stage := range t.Stages {
		s.Stages++
		if stage.Passthrough {
			s.Passthrough++
		} else {
			s.Filtered++
		}
		s.Total += stage.Duration
		if stage.Duration > s.Slowest || s.SlowestFilter == "" {
			s.Slowest = stage.Duration
			s.SlowestFilter = stage.Filter
		}
	}
	if s.Stages > 0 {
		s.Average = s.Total / time.Duration(s.Stages)
	}
	return s
}
