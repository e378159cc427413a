package core

import (
	"strings"

	"imagica/internal/filters"
)

// Spec is the ordered filter list and the optional intensity shared by all
// intensity-accepting stages of a run.
type Spec struct {
	Filters   []string `json:"filters"`
	Intensity *int     `json:"intensity,omitempty"`
}

func (s Spec) Validate() error {
	if len(s.Filters) == 0 {
		return ErrEmptySpec
	}
	return nil
}

// IsOriginalOnly reports whether the list is exactly ["original"].
func (s Spec) IsOriginalOnly() bool {
	return len(s.Filters) == 1 && filters.Parse(s.Filters[0]) == filters.Original
}

func (s Spec) params() filters.Params {
	return filters.Params{Intensity: s.Intensity}
}

// ParseFilterList splits each value on commas and drops blank entries.
// "grayscale,blur" and ["grayscale", "blur"] produce the same list.
func ParseFilterList(values ...string) []string {
	var names []string
	for _, v := range values {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}
