// Quality metrics comparing a stage input with its output
package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"gocv.io/x/gocv"
)

var (
	ErrEmptyImage        = errors.New("empty images")
	ErrDimensionMismatch = errors.New("image dimensions mismatch")
	ErrUnknownMetric     = errors.New("metric not found")
)

// Metric defines the interface for quality metrics
type Metric interface {
	// Calculate computes the metric value
	Calculate(original, processed gocv.Mat) (float64, error)

	GetName() string
	GetDescription() string

	// GetRange returns the value range (min, max)
	GetRange() (float64, float64)

	IsHigherBetter() bool
}

// Evaluator manages and calculates multiple metrics
type Evaluator struct {
	metrics map[string]Metric
	logger  *slog.Logger
}

// NewEvaluator creates an evaluator with PSNR, SSIM and MSE registered
func NewEvaluator(logger *slog.Logger) *Evaluator {
	e := &Evaluator{
		metrics: make(map[string]Metric),
		logger:  logger,
	}

	e.Register("psnr", NewPSNR())
	e.Register("ssim", NewSSIM())
	e.Register("mse", NewMSE())

	return e
}

func (e *Evaluator) Register(name string, metric Metric) {
	e.metrics[name] = metric
}

// Names returns the registered metric names in sorted order.
func (e *Evaluator) Names() []string {
	names := make([]string, 0, len(e.metrics))
	for name := range e.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Evaluator) Calculate(name string, original, processed gocv.Mat) (float64, error) {
	metric, exists := e.metrics[name]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}

	return metric.Calculate(original, processed)
}

// EvaluateStage calculates every registered metric between a stage's input
// and output, plus luminance statistics of the output. Metrics that cannot be
// computed are left out.
func (e *Evaluator) EvaluateStage(before, after gocv.Mat) map[string]float64 {
	results := make(map[string]float64)

	for _, name := range e.Names() {
		value, err := e.metrics[name].Calculate(before, after)
		if err != nil {
			e.logger.Debug("METRICS: Skipping metric", "metric", name, "error", err)
			continue
		}
		results[name] = value
	}

	if stats, err := Luminance(after); err == nil {
		results["luma_mean"] = stats.Mean
		results["luma_stddev"] = stats.StdDev
		if prev, err := Luminance(before); err == nil {
			results["luma_mean_delta"] = stats.Mean - prev.Mean
		}
	}

	return results
}

// MetricInfo provides metadata about a metric
type MetricInfo struct {
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Range        [2]float64 `json:"range"`
	HigherBetter bool       `json:"higher_better"`
}

func (e *Evaluator) GetMetricInfo() map[string]MetricInfo {
	info := make(map[string]MetricInfo)

	for name, metric := range e.metrics {
		lo, hi := metric.GetRange()
		info[name] = MetricInfo{
			Name:         metric.GetName(),
			Description:  metric.GetDescription(),
			Range:        [2]float64{lo, hi},
			HigherBetter: metric.IsHigherBetter(),
		}
	}

	return info
}
