package ankiutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/unicode/norm"
)

func TestChecksum(t *testing.T) {
	t.Parallel()

	// Known SHA-1 vectors.
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", Checksum(nil))
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", Checksum([]byte("abc")))
}

func TestIntTimeScales(t *testing.T) {
	t.Parallel()

	secs := IntTime(1)
	millis := IntTime(1000)

	now := time.Now().Unix()
	assert.InDelta(t, now, secs, 2)
	assert.InDelta(t, now*1000, millis, 2000)
}

func TestNormalizationForm(t *testing.T) {
	orig := isMac
	defer func() { isMac = orig }()

	isMac = false
	assert.Equal(t, norm.NFC, NormalizationForm())

	isMac = true
	assert.Equal(t, norm.NFD, NormalizationForm())
}

func TestNormalizeFilename(t *testing.T) {
	orig := isMac
	defer func() { isMac = orig }()

	// "é" as a combining sequence composes under NFC.
	decomposed := "é.jpg"

	isMac = false
	assert.Equal(t, "é.jpg", NormalizeFilename(decomposed))

	isMac = true
	assert.Equal(t, decomposed, NormalizeFilename("é.jpg"))
}
