// Filter library: named pixel transforms and the registry that dispatches them
package filters

import (
	"errors"
	"fmt"
	"strings"

	"gocv.io/x/gocv"
)

var (
	ErrEmptyInput        = errors.New("input image is empty")
	ErrUnsupportedLayout = errors.New("unsupported image layout")
	ErrEmptyOutput       = errors.New("filter produced an empty image")
	ErrNotRegistered     = errors.New("filter not registered")
)

// ID is the closed set of filter identifiers a pipeline stage can name.
type ID int

const (
	Unknown ID = iota
	Original
	Grayscale
	Sepia
	Blur
	Sharpen
	Brightness
	Contrast
	Edge
	Vintage
	Invert
	Pixelate
)

var idNames = [...]string{
	Unknown:    "unknown",
	Original:   "original",
	Grayscale:  "grayscale",
	Sepia:      "sepia",
	Blur:       "blur",
	Sharpen:    "sharpen",
	Brightness: "brightness",
	Contrast:   "contrast",
	Edge:       "edge",
	Vintage:    "vintage",
	Invert:     "invert",
	Pixelate:   "pixelate",
}

// Parse resolves a filter name. Names are matched case-insensitively after
// trimming; anything else resolves to Unknown.
func Parse(name string) ID {
	name = strings.ToLower(strings.TrimSpace(name))
	for id, n := range idNames {
		if ID(id) != Unknown && n == name {
			return ID(id)
		}
	}
	return Unknown
}

func (id ID) String() string {
	if id < 0 || int(id) >= len(idNames) {
		return fmt.Sprintf("ID(%d)", int(id))
	}
	return idNames[id]
}

// IsPassthrough reports whether a stage with this ID copies its input unchanged.
func (id ID) IsPassthrough() bool {
	return id == Unknown || id == Original
}

// AcceptsIntensity reports whether the shared intensity applies to this filter.
func (id ID) AcceptsIntensity() bool {
	switch id {
	case Blur, Brightness, Contrast, Pixelate:
		return true
	}
	return false
}

// FilterIDs returns every transform ID in declaration order.
func FilterIDs() []ID {
	ids := make([]ID, 0, len(idNames)-2)
	for id := Grayscale; id <= Pixelate; id++ {
		ids = append(ids, id)
	}
	return ids
}

// Params carries the per-run parameters shared by every stage.
type Params struct {
	Intensity *int
}

// WithIntensity returns Params carrying the given intensity.
func WithIntensity(v int) Params {
	return Params{Intensity: &v}
}

func (p Params) intensityOr(def int) int {
	if p.Intensity == nil {
		return def
	}
	return *p.Intensity
}

// Filter defines the interface for a single image transform
type Filter interface {
	// Apply returns a new image; input is never modified
	Apply(input gocv.Mat, params Params) (gocv.Mat, error)
	GetName() string
	GetDescription() string
	GetParameterInfo() []ParameterInfo
}

// ParameterInfo describes a parameter for client UIs
type ParameterInfo struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Default     float64 `json:"default"`
	Description string  `json:"description"`
}

// Descriptor is the public description of a registered filter.
type Descriptor struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ParameterInfo `json:"parameters,omitempty"`
}

// Registry maps filter IDs to implementations.
type Registry struct {
	filters map[ID]Filter
}

// NewRegistry returns a registry holding every built-in filter.
func NewRegistry() *Registry {
	r := &Registry{filters: make(map[ID]Filter)}

	r.Register(Grayscale, NewGrayscale())
	r.Register(Sepia, NewSepia())
	r.Register(Blur, NewBlur())
	r.Register(Sharpen, NewSharpen())
	r.Register(Brightness, NewBrightness())
	r.Register(Contrast, NewContrast())
	r.Register(Edge, NewEdge())
	r.Register(Vintage, NewVintage())
	r.Register(Invert, NewInvert())
	r.Register(Pixelate, NewPixelate())

	return r
}

func (r *Registry) Register(id ID, filter Filter) {
	r.filters[id] = filter
}

func (r *Registry) Get(id ID) (Filter, bool) {
	filter, exists := r.filters[id]
	return filter, exists
}

func (r *Registry) Apply(id ID, input gocv.Mat, params Params) (gocv.Mat, error) {
	filter, exists := r.Get(id)
	if !exists {
		return gocv.NewMat(), fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}

	return filter.Apply(input, params)
}

// List returns descriptors for all registered filters in ID order.
func (r *Registry) List() []Descriptor {
	result := make([]Descriptor, 0, len(r.filters))
	for _, id := range FilterIDs() {
		filter, exists := r.filters[id]
		if !exists {
			continue
		}
		result = append(result, Descriptor{
			ID:          id.String(),
			Name:        filter.GetName(),
			Description: filter.GetDescription(),
			Parameters:  filter.GetParameterInfo(),
		})
	}
	return result
}
