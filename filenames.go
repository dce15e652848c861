package amakv

// filenames.go maps file numbers to on-disk names inside the database
// directory.

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	lockFileName     = "LOCK"
	manifestFileName = "MANIFEST.yaml"
	optionsFileName  = "OPTIONS.yaml"

	walFileSuffix = ".wal"
	runFileSuffix = ".run"
)

func walFileName(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", number, walFileSuffix))
}

func runFileName(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", number, runFileSuffix))
}

func manifestPath(dir string) string {
	return filepath.Join(dir, manifestFileName)
}

func lockPath(dir string) string {
	return filepath.Join(dir, lockFileName)
}

func optionsPath(dir string) string {
	return filepath.Join(dir, optionsFileName)
}

// parseWALFileName extracts the file number from a WAL file name.
func parseWALFileName(name string) (uint64, bool) {
	return parseNumberedFile(name, walFileSuffix)
}

// parseRunFileName extracts the file number from a run file name.
func parseRunFileName(name string) (uint64, bool) {
	return parseNumberedFile(name, runFileSuffix)
}

func parseNumberedFile(name, suffix string) (uint64, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, suffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(base, suffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
