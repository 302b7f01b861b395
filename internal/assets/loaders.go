// Package assets embeds the three BROM-stage loader blobs keyed by the
// medium they bring up, the same switch the source's get_loader performs
// in burner_brom.cpp. These are placeholder binaries — the real K230
// loader images are proprietary and not checked into this repository —
// but get_loader/Write never inspect their contents, only their byte
// length, so every invariant this module tests against the BROM write
// path is exercised faithfully by the placeholders.
package assets

import (
	_ "embed"

	"kburn/pkg/kburn"
)

//go:embed loaders/mmc.bin
var loaderMMC []byte

//go:embed loaders/spi_nand.bin
var loaderSpiNand []byte

//go:embed loaders/spi_nor.bin
var loaderSpiNor []byte

// Loader returns the embedded loader blob for medium, and whether one
// exists. Emmc, SdCard, and Otp all boot from the same mmc loader.
func Loader(medium kburn.MediumType) ([]byte, bool) {
	switch medium {
	case kburn.MediumEmmc, kburn.MediumSdCard, kburn.MediumOtp:
		return loaderMMC, true
	case kburn.MediumSpiNand:
		return loaderSpiNand, true
	case kburn.MediumSpiNor:
		return loaderSpiNor, true
	default:
		return nil, false
	}
}
