// Artifact decoding, encoding and copying on the local filesystem
package imageio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

var (
	ErrDecode            = errors.New("artifact is not a decodable image")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrEmptyImage        = errors.New("cannot save empty image")
)

const DefaultJPEGQuality = 90

var supportedExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".bmp", ".tif", ".tiff"}

// Metadata describes a decoded artifact
type Metadata struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
	Format   string `json:"format"`
	Size     int64  `json:"size,omitempty"` // File size in bytes
}

// Loader handles artifact file operations
type Loader struct {
	logger      *slog.Logger
	jpegQuality int
}

func NewLoader(logger *slog.Logger, jpegQuality int) *Loader {
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = DefaultJPEGQuality
	}
	return &Loader{
		logger:      logger,
		jpegQuality: jpegQuality,
	}
}

// Load decodes the artifact at path into an 8-bit BGR or BGRA Mat.
// Failures to interpret the bytes as an image wrap ErrDecode.
func (l *Loader) Load(path string) (gocv.Mat, error) {
	l.logger.Debug("IO: Loading artifact", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return gocv.NewMat(), fmt.Errorf("%w: %s is empty", ErrDecode, path)
	}

	mat, err := gocv.IMDecode(data, gocv.IMReadUnchanged)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}
	if mat.Empty() || mat.Cols() <= 0 || mat.Rows() <= 0 {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("%w: %s", ErrDecode, path)
	}

	normalized, err := normalize(mat)
	mat.Close()
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}

	l.logger.Debug("IO: Artifact loaded",
		"path", path,
		"width", normalized.Cols(),
		"height", normalized.Rows(),
		"channels", normalized.Channels())

	return normalized, nil
}

// normalize returns a copy of mat as 8 bits per channel with 3 or 4 channels.
func normalize(mat gocv.Mat) (gocv.Mat, error) {
	work := mat.Clone()

	switch depth := work.Type() & 7; depth {
	case gocv.MatTypeCV8U:
	case gocv.MatTypeCV16U:
		converted := gocv.NewMat()
		err := work.ConvertToWithParams(&converted, gocv.MatTypeCV8U, 1.0/257, 0)
		work.Close()
		if err != nil {
			converted.Close()
			return gocv.NewMat(), fmt.Errorf("convert 16-bit to 8-bit: %w", err)
		}
		work = converted
	default:
		work.Close()
		return gocv.NewMat(), fmt.Errorf("unsupported pixel depth %d", depth)
	}

	switch work.Channels() {
	case 3, 4:
		return work, nil
	case 1:
		bgr := gocv.NewMat()
		err := gocv.CvtColor(work, &bgr, gocv.ColorGrayToBGR)
		work.Close()
		if err != nil {
			bgr.Close()
			return gocv.NewMat(), err
		}
		return bgr, nil
	}

	channels := work.Channels()
	work.Close()
	return gocv.NewMat(), fmt.Errorf("unsupported channel count %d", channels)
}

// Save encodes mat in the format named by the extension of path. The file
// appears at path only once it is complete.
func (l *Loader) Save(mat gocv.Mat, path string) error {
	l.logger.Debug("IO: Saving artifact", "path", path)

	if mat.Empty() {
		return ErrEmptyImage
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !IsSupported(path) {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	var params []int
	if ext == ".jpg" || ext == ".jpeg" {
		params = []int{int(gocv.IMWriteJpegQuality), l.jpegQuality}
	}

	buf, err := gocv.IMEncodeWithParams(gocv.FileExt(ext), mat, params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	defer buf.Close()

	encoded := buf.GetBytes()
	if len(encoded) == 0 {
		return fmt.Errorf("encode %s: empty output", path)
	}

	if err := writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(encoded)
		return err
	}); err != nil {
		return err
	}

	l.logger.Debug("IO: Artifact saved",
		"path", path,
		"width", mat.Cols(),
		"height", mat.Rows(),
		"bytes", len(encoded))

	return nil
}

// CopyFile writes a byte-identical copy of src to dst.
func (l *Loader) CopyFile(src, dst string) error {
	l.logger.Debug("IO: Copying artifact", "src", src, "dst", dst)

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// Inspect decodes the artifact at path and reports its metadata.
func (l *Loader) Inspect(path string) (Metadata, error) {
	mat, err := l.Load(path)
	if err != nil {
		return Metadata{}, err
	}
	defer mat.Close()

	md := MetadataOf(mat, path)
	if info, err := os.Stat(path); err == nil {
		md.Size = info.Size()
	}
	return md, nil
}

// writeAtomic streams into a sibling partial file and renames it over path.
func writeAtomic(path string, write func(io.Writer) error) error {
	partial := PartialPath(path)

	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", partial, err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(partial)
		return fmt.Errorf("write %s: %w", partial, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("close %s: %w", partial, err)
	}
	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// MetadataOf describes mat, taking the format from the extension of path.
func MetadataOf(mat gocv.Mat, path string) Metadata {
	return Metadata{
		Width:    mat.Cols(),
		Height:   mat.Rows(),
		Channels: mat.Channels(),
		Format:   FormatOf(path),
	}
}

// FormatOf returns the lower-case extension of path without the dot.
func FormatOf(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return "unknown"
	}
	return ext
}

// IsSupported reports whether path carries an extension the loader can encode.
func IsSupported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range supportedExtensions {
		if ext == format {
			return true
		}
	}
	return false
}

func SupportedExtensions() []string {
	return append([]string(nil), supportedExtensions...)
}

// PartialPath is the in-progress name used while writing path.
func PartialPath(path string) string {
	return path + ".partial-" + uuid.NewString()
}
