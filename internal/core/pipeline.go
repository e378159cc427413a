// Sequential filter pipeline over on-disk artifacts
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"imagica/internal/filters"
	"imagica/internal/imageio"
	"imagica/internal/metrics"
)

// Processor runs one filter specification against a source artifact
type Processor interface {
	Process(ctx context.Context, source string, spec Spec) (*Result, error)
}

// Result describes a completed run
type Result struct {
	RunID     string                 `json:"run_id"`
	Source    string                 `json:"source"`
	Output    string                 `json:"output"`
	Filters   []string               `json:"filters"`
	Intensity *int                   `json:"intensity,omitempty"`
	Metadata  imageio.Metadata       `json:"metadata"`
	Warnings  []UnknownFilterWarning `json:"warnings,omitempty"`
	Trace     Trace                  `json:"trace"`
	Duration  time.Duration          `json:"duration_ns"`
}

// WarningMessages returns the warnings as plain strings.
func (r *Result) WarningMessages() []string {
	messages := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		messages = append(messages, w.Error())
	}
	return messages
}

// Pipeline applies filter lists to artifacts, staging every intermediate
// result next to the source
type Pipeline struct {
	registry    *filters.Registry
	loader      *imageio.Loader
	metricsEval *metrics.Evaluator
	logger      *slog.Logger
}

func NewPipeline(registry *filters.Registry, loader *imageio.Loader, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		registry: registry,
		loader:   loader,
		logger:   logger,
	}
}

// SetEvaluator enables per-stage quality metrics. A nil evaluator disables them.
func (p *Pipeline) SetEvaluator(evaluator *metrics.Evaluator) {
	p.metricsEval = evaluator
}

// run is the state of one Process call
type run struct {
	id            string
	source        string
	current       string
	intermediates map[string]struct{}
	metadata      *imageio.Metadata
	result        *Result
}

// Process applies spec to the artifact at source and returns the location of
// the final artifact. The source is never modified or removed; every
// intermediate artifact is gone by the time Process returns, whether it
// succeeds or fails.
func (p *Pipeline) Process(ctx context.Context, source string, spec Spec) (*Result, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	r := &run{
		id:            uuid.NewString(),
		source:        source,
		current:       source,
		intermediates: make(map[string]struct{}),
		result: &Result{
			Source:    source,
			Filters:   append([]string(nil), spec.Filters...),
			Intensity: spec.Intensity,
		},
	}
	r.result.RunID = r.id

	p.logger.Info("PIPELINE: Run started",
		"run_id", r.id,
		"source", source,
		"filters", spec.Filters,
		"intensity", spec.Intensity)

	if spec.IsOriginalOnly() {
		r.result.Output = source
		r.result.Duration = time.Since(start)
		if md, err := p.loader.Inspect(source); err == nil {
			r.result.Metadata = md
		}
		p.logger.Info("PIPELINE: Original requested, returning source", "run_id", r.id)
		return r.result, nil
	}

	params := spec.params()
	last := len(spec.Filters) - 1

	for i, name := range spec.Filters {
		if err := ctx.Err(); err != nil {
			p.cleanup(r)
			p.logger.Warn("PIPELINE: Run cancelled", "run_id", r.id, "stage", i, "error", err)
			return nil, fmt.Errorf("run %s cancelled before stage %d: %w", r.id, i, err)
		}

		output := imageio.ProcessedPath(source)
		if i != last {
			output = imageio.TempPath(source, r.id, i)
			// registered before the stage runs so a failed stage is cleaned up too
			r.intermediates[output] = struct{}{}
		}

		if err := p.runStage(r, i, name, output, params); err != nil {
			p.cleanup(r)
			p.logger.Error("PIPELINE: Stage failed", "run_id", r.id, "stage", i, "filter", name, "error", err)
			return nil, err
		}

		if _, ok := r.intermediates[r.current]; ok {
			p.discard(r, r.current)
		}
		r.current = output
	}

	r.result.Output = r.current
	if r.metadata != nil {
		r.result.Metadata = *r.metadata
		r.result.Metadata.Format = imageio.FormatOf(r.current)
	} else if md, err := p.loader.Inspect(r.current); err == nil {
		r.result.Metadata = md
	}
	if info, err := os.Stat(r.current); err == nil {
		r.result.Metadata.Size = info.Size()
	}
	r.result.Duration = time.Since(start)

	p.logger.Info("PIPELINE: Run completed",
		"run_id", r.id,
		"output", r.result.Output,
		"stages", len(spec.Filters),
		"warnings", len(r.result.Warnings),
		"duration_ms", r.result.Duration.Milliseconds())

	return r.result, nil
}

// runStage produces output from r.current for stage i.
func (p *Pipeline) runStage(r *run, i int, name, output string, params filters.Params) error {
	start := time.Now()
	id := filters.Parse(name)
	report := StageReport{
		Index:       i,
		Filter:      name,
		Input:       r.current,
		Output:      output,
		Passthrough: id.IsPassthrough(),
	}

	if id == filters.Unknown {
		warning := UnknownFilterWarning{Stage: i, Filter: name}
		r.result.Warnings = append(r.result.Warnings, warning)
		p.logger.Warn("PIPELINE: Unknown filter, passing input through", "run_id", r.id, "stage", i, "filter", name)
	}

	if id.IsPassthrough() {
		if err := p.loader.CopyFile(r.current, output); err != nil {
			return &ProcessingError{Stage: i, Filter: name, Err: err}
		}
		report.Duration = time.Since(start)
		r.result.Trace.record(p.logger, report)
		return nil
	}

	// unreadable and undecodable inputs both fail as DecodeError
	input, err := p.loader.Load(r.current)
	if err != nil {
		return &DecodeError{Stage: i, Filter: name, Path: r.current, Err: err}
	}
	defer input.Close()

	result, err := p.registry.Apply(id, input, params)
	if err != nil {
		return &ProcessingError{Stage: i, Filter: name, Err: err}
	}
	defer result.Close()

	if err := p.loader.Save(result, output); err != nil {
		return &ProcessingError{Stage: i, Filter: name, Err: err}
	}

	md := imageio.MetadataOf(result, output)
	r.metadata = &md

	if p.metricsEval != nil {
		report.Metrics = p.metricsEval.EvaluateStage(input, result)
	}

	report.Duration = time.Since(start)
	r.result.Trace.record(p.logger, report)
	return nil
}

// discard removes one intermediate artifact of r.
func (p *Pipeline) discard(r *run, path string) {
	delete(r.intermediates, path)
	if path == r.source {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("PIPELINE: Failed to remove intermediate", "run_id", r.id, "path", path, "error", err)
	}
}

// cleanup removes every intermediate artifact r still owns.
func (p *Pipeline) cleanup(r *run) {
	for path := range r.intermediates {
		p.discard(r, path)
	}
}
