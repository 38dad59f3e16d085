package segments

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	filePrefix = "index"
	fileExt    = ".ts"

	// FilenamePattern is the printf pattern handed to the encoder so that the
	// files it commits line up with Filename.
	FilenamePattern = filePrefix + "%d" + fileExt
)

// Filename returns the committed file name of segment index.
func Filename(index int) string {
	return fmt.Sprintf(FilenamePattern, index)
}

// ParseFilename extracts the index from a committed segment name.
// Temporary names (encoder ".tmp" files, renameio dot files) are rejected.
func ParseFilename(name string) (int, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt)
	if digits == "" || (len(digits) > 1 && digits[0] == '0') {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}
