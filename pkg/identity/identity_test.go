package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kburn/pkg/kburn"
)

type fakeDevice struct {
	// responses is consumed in order across calls to ControlIn; each
	// entry is returned (with a nil error) until exhausted, after which
	// errTail is returned.
	responses [][]byte
	errTail   error
}

func (f *fakeDevice) ControlIn(uint8, uint16, uint16, int, time.Duration) ([]byte, error) {
	if len(f.responses) == 0 {
		return nil, f.errTail
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return next, nil
}

func infoString(s string) []byte {
	b := make([]byte, infoLength)
	copy(b, s)
	return b
}

func TestClassifyRecognizesUboot(t *testing.T) {
	f := &fakeDevice{responses: [][]byte{infoString("Uboot Stage for K230 v1.0")}}
	kind, err := Classify(f)
	require.NoError(t, err)
	assert.Equal(t, kburn.KindUboot, kind)
}

func TestClassifyRecognizesBrom(t *testing.T) {
	f := &fakeDevice{responses: [][]byte{infoString("K230 BROM v2")}}
	kind, err := Classify(f)
	require.NoError(t, err)
	assert.Equal(t, kburn.KindBrom, kind)
}

func TestClassifyReturnsInvalidOnUnknownPrefix(t *testing.T) {
	f := &fakeDevice{responses: [][]byte{infoString("mystery device")}}
	kind, err := Classify(f)
	require.NoError(t, err)
	assert.Equal(t, kburn.KindInvalid, kind)
}

func TestClassifyRetriesOnTransientFailure(t *testing.T) {
	f := &fakeDevice{
		responses: [][]byte{nil, nil, infoString("K230")},
		errTail:   errors.New("stall"),
	}
	kind, err := Classify(f)
	require.NoError(t, err)
	assert.Equal(t, kburn.KindBrom, kind)
}

func TestClassifyFailsAfterExhaustingRetries(t *testing.T) {
	f := &fakeDevice{errTail: errors.New("stall")}
	_, err := Classify(f)
	require.Error(t, err)
}

func TestHasPrefix(t *testing.T) {
	assert.True(t, hasPrefix("K230 BROM", "K230"))
	assert.False(t, hasPrefix("K2", "K230"))
	assert.False(t, hasPrefix("unrelated", "K230"))
}

func TestTrimNul(t *testing.T) {
	assert.Equal(t, []byte("hello"), trimNul([]byte("hello\x00\x00\x00")))
	assert.Equal(t, []byte("noterm"), trimNul([]byte("noterm")))
}
