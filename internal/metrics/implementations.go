package metrics

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"
)

// MaxPSNR is reported for identical images.
const MaxPSNR = 100.0

// PSNR implements Peak Signal-to-Noise Ratio over luminance
type PSNR struct{}

func NewPSNR() *PSNR {
	return &PSNR{}
}

func (p *PSNR) Calculate(original, processed gocv.Mat) (float64, error) {
	mse, err := meanSquaredError(original, processed)
	if err != nil {
		return 0, err
	}
	if mse == 0 {
		return MaxPSNR, nil
	}

	return math.Min(MaxPSNR, 20*math.Log10(255/math.Sqrt(mse))), nil
}

func (p *PSNR) GetName() string              { return "PSNR" }
func (p *PSNR) GetDescription() string       { return "Peak Signal-to-Noise Ratio in dB" }
func (p *PSNR) GetRange() (float64, float64) { return 0, MaxPSNR }
func (p *PSNR) IsHigherBetter() bool         { return true }

// MSE implements mean squared error over luminance
type MSE struct{}

func NewMSE() *MSE {
	return &MSE{}
}

func (m *MSE) Calculate(original, processed gocv.Mat) (float64, error) {
	return meanSquaredError(original, processed)
}

func (m *MSE) GetName() string              { return "MSE" }
func (m *MSE) GetDescription() string       { return "Mean Squared Error" }
func (m *MSE) GetRange() (float64, float64) { return 0, 65025 }
func (m *MSE) IsHigherBetter() bool         { return false }

func meanSquaredError(original, processed gocv.Mat) (float64, error) {
	a, b, err := lumaPair(original, processed)
	if err != nil {
		return 0, err
	}

	diffs := make([]float64, len(a))
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		diffs[i] = d * d
	}
	return stat.Mean(diffs, nil), nil
}

// SSIM implements the Structural Similarity Index with an 11x11 Gaussian window
type SSIM struct{}

func NewSSIM() *SSIM {
	return &SSIM{}
}

func (s *SSIM) Calculate(original, processed gocv.Mat) (float64, error) {
	if err := checkPair(original, processed); err != nil {
		return 0, err
	}

	gray1, err := toLuma(original)
	if err != nil {
		return 0, err
	}
	defer gray1.Close()

	gray2, err := toLuma(processed)
	if err != nil {
		return 0, err
	}
	defer gray2.Close()

	return s.calculateSSIM(gray1, gray2)
}

func (s *SSIM) calculateSSIM(img1, img2 gocv.Mat) (float64, error) {
	const (
		C1 = 6.5025  // (0.01 * 255)^2
		C2 = 58.5225 // (0.03 * 255)^2
	)

	var mats []*gocv.Mat
	newMat := func() *gocv.Mat {
		m := gocv.NewMat()
		mats = append(mats, &m)
		return &m
	}
	defer func() {
		for _, m := range mats {
			m.Close()
		}
	}()

	window := func(src gocv.Mat, dst *gocv.Mat) error {
		return gocv.GaussianBlur(src, dst, image.Pt(11, 11), 1.5, 1.5, gocv.BorderReflect101)
	}

	f1, f2 := newMat(), newMat()
	if err := img1.ConvertTo(f1, gocv.MatTypeCV32F); err != nil {
		return 0, fmt.Errorf("ssim convert: %w", err)
	}
	if err := img2.ConvertTo(f2, gocv.MatTypeCV32F); err != nil {
		return 0, fmt.Errorf("ssim convert: %w", err)
	}

	mu1, mu2 := newMat(), newMat()
	if err := window(*f1, mu1); err != nil {
		return 0, fmt.Errorf("ssim window: %w", err)
	}
	if err := window(*f2, mu2); err != nil {
		return 0, fmt.Errorf("ssim window: %w", err)
	}

	mu1Sq, mu2Sq, mu1Mu2 := newMat(), newMat(), newMat()
	f1Sq, f2Sq, f1f2 := newMat(), newMat(), newMat()
	products := []struct {
		a, b gocv.Mat
		dst  *gocv.Mat
	}{
		{*mu1, *mu1, mu1Sq},
		{*mu2, *mu2, mu2Sq},
		{*mu1, *mu2, mu1Mu2},
		{*f1, *f1, f1Sq},
		{*f2, *f2, f2Sq},
		{*f1, *f2, f1f2},
	}
	for _, p := range products {
		if err := gocv.Multiply(p.a, p.b, p.dst); err != nil {
			return 0, fmt.Errorf("ssim multiply: %w", err)
		}
	}

	// sigma = window(x*y) - mu_x*mu_y
	sigma1Sq, sigma2Sq, sigma12 := newMat(), newMat(), newMat()
	variances := []struct {
		product, mean gocv.Mat
		dst           *gocv.Mat
	}{
		{*f1Sq, *mu1Sq, sigma1Sq},
		{*f2Sq, *mu2Sq, sigma2Sq},
		{*f1f2, *mu1Mu2, sigma12},
	}
	for _, v := range variances {
		blurred := newMat()
		if err := window(v.product, blurred); err != nil {
			return 0, fmt.Errorf("ssim window: %w", err)
		}
		if err := gocv.Subtract(*blurred, v.mean, v.dst); err != nil {
			return 0, fmt.Errorf("ssim subtract: %w", err)
		}
	}

	// (2*mu1mu2 + C1) * (2*sigma12 + C2)
	num1, num2, numerator := newMat(), newMat(), newMat()
	if err := mu1Mu2.ConvertToWithParams(num1, gocv.MatTypeCV32F, 2, C1); err != nil {
		return 0, fmt.Errorf("ssim scale: %w", err)
	}
	if err := sigma12.ConvertToWithParams(num2, gocv.MatTypeCV32F, 2, C2); err != nil {
		return 0, fmt.Errorf("ssim scale: %w", err)
	}
	if err := gocv.Multiply(*num1, *num2, numerator); err != nil {
		return 0, fmt.Errorf("ssim multiply: %w", err)
	}

	// (mu1^2 + mu2^2 + C1) * (sigma1^2 + sigma2^2 + C2)
	sumMu, sumSigma := newMat(), newMat()
	if err := gocv.Add(*mu1Sq, *mu2Sq, sumMu); err != nil {
		return 0, fmt.Errorf("ssim add: %w", err)
	}
	if err := gocv.Add(*sigma1Sq, *sigma2Sq, sumSigma); err != nil {
		return 0, fmt.Errorf("ssim add: %w", err)
	}
	den1, den2, denominator := newMat(), newMat(), newMat()
	if err := sumMu.ConvertToWithParams(den1, gocv.MatTypeCV32F, 1, C1); err != nil {
		return 0, fmt.Errorf("ssim scale: %w", err)
	}
	if err := sumSigma.ConvertToWithParams(den2, gocv.MatTypeCV32F, 1, C2); err != nil {
		return 0, fmt.Errorf("ssim scale: %w", err)
	}
	if err := gocv.Multiply(*den1, *den2, denominator); err != nil {
		return 0, fmt.Errorf("ssim multiply: %w", err)
	}

	ssimMap := newMat()
	if err := gocv.Divide(*numerator, *denominator, ssimMap); err != nil {
		return 0, fmt.Errorf("ssim divide: %w", err)
	}

	return ssimMap.Mean().Val1, nil
}

func (s *SSIM) GetName() string              { return "SSIM" }
func (s *SSIM) GetDescription() string       { return "Structural Similarity Index" }
func (s *SSIM) GetRange() (float64, float64) { return 0, 1 }
func (s *SSIM) IsHigherBetter() bool         { return true }

// LumaStats summarises the luminance plane of an image
type LumaStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Luminance computes mean, standard deviation and range of the luminance plane.
func Luminance(img gocv.Mat) (LumaStats, error) {
	if img.Empty() {
		return LumaStats{}, ErrEmptyImage
	}

	gray, err := toLuma(img)
	if err != nil {
		return LumaStats{}, err
	}
	defer gray.Close()

	data := gray.ToBytes()
	values := make([]float64, len(data))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, v := range data {
		f := float64(v)
		values[i] = f
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}

	mean, std := stat.PopMeanStdDev(values, nil)
	return LumaStats{Mean: mean, StdDev: std, Min: lo, Max: hi}, nil
}

func checkPair(original, processed gocv.Mat) error {
	if original.Empty() || processed.Empty() {
		return ErrEmptyImage
	}
	if original.Rows() != processed.Rows() || original.Cols() != processed.Cols() {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrDimensionMismatch,
			original.Cols(), original.Rows(), processed.Cols(), processed.Rows())
	}
	return nil
}

// lumaPair returns the luminance bytes of both images after checking they match.
func lumaPair(original, processed gocv.Mat) ([]byte, []byte, error) {
	if err := checkPair(original, processed); err != nil {
		return nil, nil, err
	}

	gray1, err := toLuma(original)
	if err != nil {
		return nil, nil, err
	}
	defer gray1.Close()

	gray2, err := toLuma(processed)
	if err != nil {
		return nil, nil, err
	}
	defer gray2.Close()

	return gray1.ToBytes(), gray2.ToBytes(), nil
}

// toLuma returns a new single-channel 8-bit copy of input.
func toLuma(input gocv.Mat) (gocv.Mat, error) {
	gray := gocv.NewMat()

	var err error
	switch input.Channels() {
	case 1:
		err = input.CopyTo(&gray)
	case 4:
		err = gocv.CvtColor(input, &gray, gocv.ColorBGRAToGray)
	default:
		err = gocv.CvtColor(input, &gray, gocv.ColorBGRToGray)
	}
	if err != nil {
		gray.Close()
		return gocv.NewMat(), fmt.Errorf("convert to luminance: %w", err)
	}
	return gray, nil
}
