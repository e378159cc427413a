// Built-in filters
package filters

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

const (
	DefaultBlurRadius   = 5
	MinBlurSigma        = 0.3
	MaxBlurSigma        = 1000.0
	DefaultAdjustLevel  = 20
	MinAdjustLevel      = -100
	MaxAdjustLevel      = 100
	DefaultPixelateSize = 10
)

// GrayscaleFilter converts to luminance and back to three channels
type GrayscaleFilter struct{}

// NewGrayscale creates a new grayscale filter
func NewGrayscale() *GrayscaleFilter {
	return &GrayscaleFilter{}
}

func (g *GrayscaleFilter) Apply(input gocv.Mat, params Params) (gocv.Mat, error) {
	return applyColor(input, func(bgr gocv.Mat) (gocv.Mat, error) {
		gray, err := toGray(bgr)
		if err != nil {
			return gray, err
		}
		defer gray.Close()
		return grayToBGR(gray)
	})
}

func (g *GrayscaleFilter) GetName() string                   { return "Grayscale" }
func (g *GrayscaleFilter) GetDescription() string            { return "Single-channel luminance, re-expanded to color layout" }
func (g *GrayscaleFilter) GetParameterInfo() []ParameterInfo { return nil }

// SepiaFilter tints the image warm brown and desaturates it
type SepiaFilter struct{}

// NewSepia creates a new sepia filter
func NewSepia() *SepiaFilter {
	return &SepiaFilter{}
}

func (s *SepiaFilter) Apply(input gocv.Mat, params Params) (gocv.Mat, error) {
	tint := sepiaChroma()
	adj := labAdjustment{brightness: 1, saturation: 0.6, tint: &tint}
	return applyColor(input, adj.apply)
}

func (s *SepiaFilter) GetName() string                   { return "Sepia" }
func (s *SepiaFilter) GetDescription() string            { return "Warm RGB(112,66,20) tint with saturation reduced to 60%" }
func (s *SepiaFilter) GetParameterInfo() []ParameterInfo { return nil }

// GaussianBlur blurs with a sigma taken from the intensity
type GaussianBlur struct{}

// NewBlur creates a new Gaussian blur filter
func NewBlur() *GaussianBlur {
	return &GaussianBlur{}
}

func (b *GaussianBlur) Apply(input gocv.Mat, params Params) (gocv.Mat, error) {
	sigma := BlurSigma(params)

	return applyColor(input, func(bgr gocv.Mat) (gocv.Mat, error) {
		// The kernel never needs to reach further than the image itself.
		radius := int(math.Ceil(3 * sigma))
		if limit := max(bgr.Cols(), bgr.Rows()); radius > limit {
			radius = limit
		}
		size := 2*radius + 1

		output := gocv.NewMat()
		if err := gocv.GaussianBlur(bgr, &output, image.Pt(size, size), sigma, sigma, gocv.BorderReplicate); err != nil {
			output.Close()
			return gocv.NewMat(), fmt.Errorf("gaussian blur sigma=%.2f: %w", sigma, err)
		}
		return output, nil
	})
}

// BlurSigma returns the clamped sigma the blur filter uses for params.
func BlurSigma(params Params) float64 {
	return clampFloat(float64(params.intensityOr(DefaultBlurRadius)), MinBlurSigma, MaxBlurSigma)
}

func (b *GaussianBlur) GetName() string        { return "Blur" }
func (b *GaussianBlur) GetDescription() string { return "Gaussian blur; intensity is the radius (sigma)" }

func (b *GaussianBlur) GetParameterInfo() []ParameterInfo {
	return []ParameterInfo{
		{
			Name:        "intensity",
			Type:        "float",
			Min:         MinBlurSigma,
			Max:         MaxBlurSigma,
			Default:     DefaultBlurRadius,
			Description: "Blur radius, clamped to the supported range",
		},
	}
}

// SharpenFilter applies a fixed mild sharpening kernel
type SharpenFilter struct{}

// NewSharpen creates a new sharpen filter
func NewSharpen() *SharpenFilter {
	return &SharpenFilter{}
}

func (s *SharpenFilter) Apply(input gocv.Mat, params Params) (gocv.Mat, error) {
	return applyColor(input, func(bgr gocv.Mat) (gocv.Mat, error) {
		kernel := newKernel(3, []float32{
			-1, -1, -1,
			-1, 32, -1,
			-1, -1, -1,
		}, 24)
		defer kernel.Close()

		output := gocv.NewMat()
		if err := gocv.Filter2D(bgr, &output, -1, kernel, image.Pt(-1, -1), 0, gocv.BorderReflect101); err != nil {
			output.Close()
			return gocv.NewMat(), fmt.Errorf("sharpen: %w", err)
		}
		return output, nil
	})
}

func (s *SharpenFilter) GetName() string                   { return "Sharpen" }
func (s *SharpenFilter) GetDescription() string            { return "Fast mild sharpen with a fixed 3x3 kernel" }
func (s *SharpenFilter) GetParameterInfo() []ParameterInfo { return nil }

// BrightnessFilter scales lightness by 1 + intensity/100
type BrightnessFilter struct{}

// NewBrightness creates a new brightness filter
func NewBrightness() *BrightnessFilter {
	return &BrightnessFilter{}
}

func (b *BrightnessFilter) Apply(input gocv.Mat, params Params) (gocv.Mat, error) {
	adj := labAdjustment{brightness: AdjustFactor(params), saturation: 1}
	return applyColor(input, adj.apply)
}

func (b *BrightnessFilter) GetName() string        { return "Brightness" }
func (b *BrightnessFilter) GetDescription() string { return "Multiplicative brightness, factor 1 + intensity/100" }

func (b *BrightnessFilter) GetParameterInfo() []ParameterInfo {
	return adjustParameterInfo("Brightness level")
}

// ContrastFilter stretches each channel around mid-gray
type ContrastFilter struct{}

// NewContrast creates a new contrast filter
func NewContrast() *ContrastFilter {
	return &ContrastFilter{}
}

func (c *ContrastFilter) Apply(input gocv.Mat, params Params) (gocv.Mat, error) {
	factor := AdjustFactor(params)

	return applyColor(input, func(bgr gocv.Mat) (gocv.Mat, error) {
		output := gocv.NewMat()
		if err := bgr.ConvertToWithParams(&output, bgr.Type(), float32(factor), float32(128-128*factor)); err != nil {
			output.Close()
			return gocv.NewMat(), fmt.Errorf("contrast factor=%.2f: %w", factor, err)
		}
		return output, nil
	})
}

func (c *ContrastFilter) GetName() string        { return "Contrast" }
func (c *ContrastFilter) GetDescription() string { return "Linear contrast around 128, factor 1 + intensity/100" }

func (c *ContrastFilter) GetParameterInfo() []ParameterInfo {
	return adjustParameterInfo("Contrast level")
}

// AdjustFactor returns 1 + level/100 with level clamped to [-100, 100].
func AdjustFactor(params Params) float64 {
	level := clampInt(params.intensityOr(DefaultAdjustLevel), MinAdjustLevel, MaxAdjustLevel)
	return 1 + float64(level)/100
}

func adjustParameterInfo(description string) []ParameterInfo {
	return []ParameterInfo{
		{
			Name:        "intensity",
			Type:        "int",
			Min:         MinAdjustLevel,
			Max:         MaxAdjustLevel,
			Default:     DefaultAdjustLevel,
			Description: description,
		},
	}
}

// EdgeDetect runs a high-pass kernel over the luminance
type EdgeDetect struct{}

// NewEdge creates a new edge detection filter
func NewEdge() *EdgeDetect {
	return &EdgeDetect{}
}

func (e *EdgeDetect) Apply(input gocv.Mat, params Params) (gocv.Mat, error) {
	return applyColor(input, func(bgr gocv.Mat) (gocv.Mat, error) {
		gray, err := toGray(bgr)
		if err != nil {
			return gray, err
		}
		defer gray.Close()

		kernel := newKernel(3, []float32{
			-1, -1, -1,
			-1, 8, -1,
			-1, -1, -1,
		}, 1)
		defer kernel.Close()

		edges := gocv.NewMat()
		defer edges.Close()
		if err := gocv.Filter2D(gray, &edges, -1, kernel, image.Pt(-1, -1), 0, gocv.BorderReflect101); err != nil {
			return gocv.NewMat(), fmt.Errorf("edge convolution: %w", err)
		}
		return grayToBGR(edges)
	})
}

func (e *EdgeDetect) GetName() string                   { return "Edge Detection" }
func (e *EdgeDetect) GetDescription() string            { return "Grayscale followed by a 3x3 Laplacian-style kernel" }
func (e *EdgeDetect) GetParameterInfo() []ParameterInfo { return nil }

// VintageFilter is a lighter, less saturated sepia
type VintageFilter struct{}

// NewVintage creates a new vintage filter
func NewVintage() *VintageFilter {
	return &VintageFilter{}
}

func (v *VintageFilter) Apply(input gocv.Mat, params Params) (gocv.Mat, error) {
	tint := sepiaChroma()
	adj := labAdjustment{brightness: 1.1, saturation: 0.5, tint: &tint}
	return applyColor(input, adj.apply)
}

func (v *VintageFilter) GetName() string                   { return "Vintage" }
func (v *VintageFilter) GetDescription() string            { return "Sepia tint, 50% saturation, 1.1x brightness" }
func (v *VintageFilter) GetParameterInfo() []ParameterInfo { return nil }

// InvertFilter negates every color channel
type InvertFilter struct{}

// NewInvert creates a new invert filter
func NewInvert() *InvertFilter {
	return &InvertFilter{}
}

func (i *InvertFilter) Apply(input gocv.Mat, params Params) (gocv.Mat, error) {
	return applyColor(input, func(bgr gocv.Mat) (gocv.Mat, error) {
		output := gocv.NewMat()
		if err := gocv.BitwiseNot(bgr, &output); err != nil {
			output.Close()
			return gocv.NewMat(), fmt.Errorf("invert: %w", err)
		}
		return output, nil
	})
}

func (i *InvertFilter) GetName() string                   { return "Invert" }
func (i *InvertFilter) GetDescription() string            { return "Negative: every channel becomes 255 - value" }
func (i *InvertFilter) GetParameterInfo() []ParameterInfo { return nil }

// PixelateFilter downsamples and upsamples with nearest neighbour
type PixelateFilter struct{}

// NewPixelate creates a new pixelate filter
func NewPixelate() *PixelateFilter {
	return &PixelateFilter{}
}

func (p *PixelateFilter) Apply(input gocv.Mat, params Params) (gocv.Mat, error) {
	if err := validateInput(input); err != nil {
		return gocv.NewMat(), err
	}

	block := max(1, params.intensityOr(DefaultPixelateSize))
	width, height := input.Cols(), input.Rows()
	small := image.Pt(max(1, width/block), max(1, height/block))

	reduced := gocv.NewMat()
	defer reduced.Close()
	if err := gocv.Resize(input, &reduced, small, 0, 0, gocv.InterpolationNearestNeighbor); err != nil {
		return gocv.NewMat(), fmt.Errorf("pixelate downscale to %dx%d: %w", small.X, small.Y, err)
	}

	output := gocv.NewMat()
	if err := gocv.Resize(reduced, &output, image.Pt(width, height), 0, 0, gocv.InterpolationNearestNeighbor); err != nil {
		output.Close()
		return gocv.NewMat(), fmt.Errorf("pixelate upscale to %dx%d: %w", width, height, err)
	}
	return checkOutput(output, nil)
}

func (p *PixelateFilter) GetName() string        { return "Pixelate" }
func (p *PixelateFilter) GetDescription() string { return "Blocky mosaic; intensity is the block size in pixels" }

func (p *PixelateFilter) GetParameterInfo() []ParameterInfo {
	return []ParameterInfo{
		{
			Name:        "intensity",
			Type:        "int",
			Min:         1,
			Max:         1000,
			Default:     DefaultPixelateSize,
			Description: "Block size in pixels",
		},
	}
}
