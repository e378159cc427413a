package imageio

import (
	"path/filepath"
	"strconv"
	"strings"
)

// splitExt splits path into everything before its extension and the extension.
func splitExt(path string) (string, string) {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext), ext
}

// ProcessedPath is the final output location for source: <base>_processed<ext>.
func ProcessedPath(source string) string {
	base, ext := splitExt(source)
	return base + "_processed" + ext
}

// TempPath is the location of intermediate stage i of run runID:
// <base>_temp_<runID>_<i><ext>.
func TempPath(source, runID string, stage int) string {
	base, ext := splitExt(source)
	return base + "_temp_" + runID + "_" + strconv.Itoa(stage) + ext
}

// IsPartial reports whether name is an in-progress write left by Save or CopyFile.
func IsPartial(name string) bool {
	return strings.Contains(filepath.Base(name), ".partial-")
}
