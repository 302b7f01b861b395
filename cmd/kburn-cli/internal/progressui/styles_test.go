package progressui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytesBelowUnit(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
}

func TestFormatBytesKiB(t *testing.T) {
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
}

func TestFormatBytesMiB(t *testing.T) {
	assert.Equal(t, "2.0 MiB", formatBytes(2*1024*1024))
}

func TestFormatDurationBelowSecond(t *testing.T) {
	assert.Equal(t, "0s", formatDuration(500*time.Millisecond))
}

func TestFormatDurationRoundsToSeconds(t *testing.T) {
	assert.Equal(t, "3s", formatDuration(3*time.Second+200*time.Millisecond))
}
