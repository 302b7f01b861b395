package assets

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"kburn/pkg/kburn"
)

func TestLoaderDispatchesMmcMedia(t *testing.T) {
	for _, medium := range []kburn.MediumType{kburn.MediumEmmc, kburn.MediumSdCard, kburn.MediumOtp} {
		blob, ok := Loader(medium)
		assert.True(t, ok)
		assert.Equal(t, loaderMMC, blob)
	}
}

func TestLoaderDispatchesSpiNand(t *testing.T) {
	blob, ok := Loader(kburn.MediumSpiNand)
	assert.True(t, ok)
	assert.Equal(t, loaderSpiNand, blob)
}

func TestLoaderDispatchesSpiNor(t *testing.T) {
	blob, ok := Loader(kburn.MediumSpiNor)
	assert.True(t, ok)
	assert.Equal(t, loaderSpiNor, blob)
}

func TestLoaderRejectsInvalidMedium(t *testing.T) {
	blob, ok := Loader(kburn.MediumInvalid)
	assert.False(t, ok)
	assert.Nil(t, blob)
}
