package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"imagica/internal/core"
	"imagica/internal/store"
)

// processOnce runs the pipeline over one local file, records the run and
// prints the result as JSON.
func processOnce(pipeline *core.Pipeline, st store.Store, source, filterList, intensity string, out io.Writer) error {
	spec := core.Spec{Filters: core.ParseFilterList(filterList)}
	if intensity = strings.TrimSpace(intensity); intensity != "" {
		v, err := strconv.Atoi(intensity)
		if err != nil {
			return fmt.Errorf("intensity must be an integer, got %q", intensity)
		}
		spec.Intensity = &v
	}

	ctx := context.Background()
	result, err := pipeline.Process(ctx, source, spec)

	run := &store.Run{
		Source:    source,
		Filters:   spec.Filters,
		Intensity: spec.Intensity,
		Status:    store.StatusSucceeded,
	}
	if result != nil {
		run.ID = result.RunID
		run.Output = result.Output
		run.Width = result.Metadata.Width
		run.Height = result.Metadata.Height
		run.Warnings = result.WarningMessages()
		run.Duration = result.Duration
	}
	if err != nil {
		run.ID = uuid.NewString()
		run.Status = store.StatusFailed
		run.Error = err.Error()
	}
	if recErr := st.RecordRun(ctx, run); recErr != nil {
		err = errors.Join(err, fmt.Errorf("record run %s: %w", run.ID, recErr))
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
