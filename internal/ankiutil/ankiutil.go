// Package ankiutil holds the small helpers the sync protocol leans on
// everywhere: integer timestamps, SHA-1 checksums, and platform-dependent
// Unicode normalization of media filenames.
package ankiutil

import (
	"crypto/sha1"
	"encoding/hex"
	"runtime"
	"time"

	"golang.org/x/text/unicode/norm"
)

// IntTime returns the current time in integer seconds. Pass scale=1000 for
// milliseconds. The protocol exchanges both granularities, so the scale is
// explicit at every call site.
func IntTime(scale int64) int64 {
	return time.Now().UnixMilli() * scale / 1000
}

// Checksum returns the lowercase SHA-1 hex digest of data. Media files and
// session keys are both identified this way.
func Checksum(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// isMac is a variable so tests can exercise both normalization branches.
var isMac = runtime.GOOS == "darwin"

// NormalizationForm returns the Unicode normalization form used for media
// filenames on this platform: NFD on macOS, NFC everywhere else. Names are
// persisted in the media database and on disk in this form.
func NormalizationForm() norm.Form {
	if isMac {
		return norm.NFD
	}

	return norm.NFC
}

// NormalizeFilename applies the platform normalization form to a media
// filename.
func NormalizeFilename(name string) string {
	return NormalizationForm().String(name)
}
