package filters

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// validateInput accepts 8-bit images with 1, 3 or 4 channels.
func validateInput(input gocv.Mat) error {
	if input.Empty() {
		return ErrEmptyInput
	}
	if input.Cols() <= 0 || input.Rows() <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrEmptyInput, input.Cols(), input.Rows())
	}

	switch input.Type() {
	case gocv.MatTypeCV8UC1, gocv.MatTypeCV8UC3, gocv.MatTypeCV8UC4:
		return nil
	}
	return fmt.Errorf("%w: type %v with %d channels", ErrUnsupportedLayout, input.Type(), input.Channels())
}

func closeAll(mats []gocv.Mat) {
	for i := range mats {
		mats[i].Close()
	}
}

// applyColor runs fn over the BGR planes of input. Single-channel input is
// expanded to BGR first; the alpha plane of BGRA input is carried over
// untouched.
func applyColor(input gocv.Mat, fn func(bgr gocv.Mat) (gocv.Mat, error)) (gocv.Mat, error) {
	if err := validateInput(input); err != nil {
		return gocv.NewMat(), err
	}

	switch input.Channels() {
	case 3:
		return checkOutput(fn(input))

	case 1:
		bgr := gocv.NewMat()
		defer bgr.Close()
		if err := gocv.CvtColor(input, &bgr, gocv.ColorGrayToBGR); err != nil {
			return gocv.NewMat(), fmt.Errorf("expand grayscale: %w", err)
		}
		return checkOutput(fn(bgr))
	}

	planes := gocv.Split(input)
	defer closeAll(planes)

	bgr := gocv.NewMat()
	defer bgr.Close()
	if err := gocv.Merge(planes[:3], &bgr); err != nil {
		return gocv.NewMat(), fmt.Errorf("merge color planes: %w", err)
	}

	colored, err := checkOutput(fn(bgr))
	if err != nil {
		return colored, err
	}
	defer colored.Close()

	coloredPlanes := gocv.Split(colored)
	defer closeAll(coloredPlanes)

	output := gocv.NewMat()
	if err := gocv.Merge(append(coloredPlanes, planes[3]), &output); err != nil {
		output.Close()
		return gocv.NewMat(), fmt.Errorf("restore alpha plane: %w", err)
	}
	return checkOutput(output, nil)
}

func checkOutput(output gocv.Mat, err error) (gocv.Mat, error) {
	if err != nil {
		output.Close()
		return gocv.NewMat(), err
	}
	if output.Empty() {
		output.Close()
		return gocv.NewMat(), ErrEmptyOutput
	}
	return output, nil
}

// toGray converts BGR to a single luminance plane.
func toGray(bgr gocv.Mat) (gocv.Mat, error) {
	gray := gocv.NewMat()
	if err := gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray); err != nil {
		gray.Close()
		return gocv.NewMat(), fmt.Errorf("convert to grayscale: %w", err)
	}
	return gray, nil
}

// grayToBGR re-expands a luminance plane to three identical channels.
func grayToBGR(gray gocv.Mat) (gocv.Mat, error) {
	output := gocv.NewMat()
	if err := gocv.CvtColor(gray, &output, gocv.ColorGrayToBGR); err != nil {
		output.Close()
		return gocv.NewMat(), fmt.Errorf("expand grayscale: %w", err)
	}
	return output, nil
}

// chroma is a fixed (a, b) pair in OpenCV's 8-bit Lab encoding.
type chroma struct {
	a, b float64
}

// sepiaChroma is the chroma of RGB(112, 66, 20).
var sepiaChroma = sync.OnceValue(func() chroma {
	pixel := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(20, 66, 112, 0), 1, 1, gocv.MatTypeCV8UC3)
	defer pixel.Close()

	lab := gocv.NewMat()
	defer lab.Close()
	if err := gocv.CvtColor(pixel, &lab, gocv.ColorBGRToLab); err != nil || lab.Empty() {
		// a* ~ 18, b* ~ 44 in CIE units
		return chroma{a: 146, b: 172}
	}

	v := lab.GetVecbAt(0, 0)
	return chroma{a: float64(v[1]), b: float64(v[2])}
})

// labAdjustment modulates an image in Lab space. Lightness is scaled by
// brightness and chroma (distance of a, b from neutral) by saturation. When
// tint is set the chroma is first replaced by the tint chroma, keeping the
// lightness of the source.
type labAdjustment struct {
	brightness float64
	saturation float64
	tint       *chroma
}

func (adj labAdjustment) apply(bgr gocv.Mat) (gocv.Mat, error) {
	lab := gocv.NewMat()
	defer lab.Close()
	if err := gocv.CvtColor(bgr, &lab, gocv.ColorBGRToLab); err != nil {
		return gocv.NewMat(), fmt.Errorf("convert to Lab: %w", err)
	}

	planes := gocv.Split(lab)
	defer closeAll(planes)
	if len(planes) != 3 {
		return gocv.NewMat(), fmt.Errorf("%w: Lab split returned %d planes", ErrUnsupportedLayout, len(planes))
	}

	if adj.tint != nil {
		planes[1].SetTo(gocv.NewScalar(adj.tint.a, 0, 0, 0))
		planes[2].SetTo(gocv.NewScalar(adj.tint.b, 0, 0, 0))
	}

	if adj.brightness != 1 {
		if err := scalePlane(&planes[0], adj.brightness, 0); err != nil {
			return gocv.NewMat(), fmt.Errorf("scale lightness: %w", err)
		}
	}
	if adj.saturation != 1 {
		// keep 128 (neutral) fixed while scaling the distance from it
		offset := 128 * (1 - adj.saturation)
		for _, i := range []int{1, 2} {
			if err := scalePlane(&planes[i], adj.saturation, offset); err != nil {
				return gocv.NewMat(), fmt.Errorf("scale chroma: %w", err)
			}
		}
	}

	merged := gocv.NewMat()
	defer merged.Close()
	if err := gocv.Merge(planes, &merged); err != nil {
		return gocv.NewMat(), fmt.Errorf("merge Lab planes: %w", err)
	}

	output := gocv.NewMat()
	if err := gocv.CvtColor(merged, &output, gocv.ColorLabToBGR); err != nil {
		output.Close()
		return gocv.NewMat(), fmt.Errorf("convert from Lab: %w", err)
	}
	return output, nil
}

// scalePlane replaces *plane with plane*alpha + beta, saturated to 8 bits.
// On error *plane is left as it was.
func scalePlane(plane *gocv.Mat, alpha, beta float64) error {
	scaled := gocv.NewMat()
	if err := plane.ConvertToWithParams(&scaled, gocv.MatTypeCV8U, float32(alpha), float32(beta)); err != nil {
		scaled.Close()
		return err
	}
	plane.Close()
	*plane = scaled
	return nil
}

// newKernel builds a square float32 convolution kernel scaled by 1/divisor.
func newKernel(size int, values []float32, divisor float32) gocv.Mat {
	kernel := gocv.NewMatWithSize(size, size, gocv.MatTypeCV32F)
	for i, v := range values {
		kernel.SetFloatAt(i/size, i%size, v/divisor)
	}
	return kernel
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
