package image

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestImageFile(t *testing.T, content1, content2 []byte, padSize2 uint32) string {
	t.Helper()

	headerLen := headerWireSize
	tableLen := 2 * partWireSize
	content1Offset := uint32(headerLen + tableLen)
	content2Offset := content1Offset + uint32(len(content1))

	e1 := buildPartEntry(partSpec{
		name: "a", offset: 0, size: uint32(len(content1)), eraseSize: 0x1000, maxSize: 0x2000,
		contentOffset: content1Offset, contentSize: uint32(len(content1)), sha256: sha256Of(content1),
	})
	e2 := buildPartEntry(partSpec{
		name: "b", offset: 0x2000, size: uint32(len(content2)) + padSize2, eraseSize: 0x1000, maxSize: 0x3000,
		contentOffset: content2Offset, contentSize: uint32(len(content2)), sha256: sha256Of(content2),
	})
	table, tableCRC := buildPartTable(e1, e2)
	header := buildHeader(2, tableCRC, "img", "K230", "evb")

	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(table)
	buf.Write(content1)
	buf.Write(content2)

	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestOpenParsesHeaderAndParts(t *testing.T) {
	path := buildTestImageFile(t, []byte("bootloader-bytes"), []byte("rootfs-bytes"), 0)
	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, "K230", img.ChipInfo())
	assert.Equal(t, "evb", img.BoardInfo())
	assert.Len(t, img.parts, 2)
}

func TestMaxOffsetPicksHighestOffsetPlusMaxSize(t *testing.T) {
	path := buildTestImageFile(t, []byte("x"), []byte("y"), 0)
	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, uint64(0x2000+0x3000), img.MaxOffset())
}

func TestExtractWritesVerifiedPartitions(t *testing.T) {
	content1 := bytes.Repeat([]byte{0x11}, 200)
	content2 := bytes.Repeat([]byte{0x22}, 50)
	path := buildTestImageFile(t, content1, content2, 10)
	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	cacheDir := t.TempDir()
	items, err := img.Extract(context.Background(), cacheDir)
	require.NoError(t, err)
	require.Len(t, items, 2)

	got1, err := os.ReadFile(items[0].Path)
	require.NoError(t, err)
	assert.Equal(t, content1, got1)

	got2, err := os.ReadFile(items[1].Path)
	require.NoError(t, err)
	want2 := append(append([]byte{}, content2...), bytes.Repeat([]byte{0xFF}, 10)...)
	assert.Equal(t, want2, got2)
}

func TestExtractReusesCacheWhenUnchanged(t *testing.T) {
	content1 := bytes.Repeat([]byte{0x33}, 64)
	content2 := bytes.Repeat([]byte{0x44}, 64)
	path := buildTestImageFile(t, content1, content2, 0)
	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	cacheDir := t.TempDir()
	items, err := img.Extract(context.Background(), cacheDir)
	require.NoError(t, err)

	before, err := os.Stat(items[0].Path)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = img.Extract(context.Background(), cacheDir)
	require.NoError(t, err)

	after, err := os.Stat(items[0].Path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "Extract must not rewrite a cache entry that still matches")
}

func TestExtractRebuildsCacheWhenStale(t *testing.T) {
	content1 := bytes.Repeat([]byte{0x55}, 64)
	content2 := bytes.Repeat([]byte{0x66}, 64)
	path := buildTestImageFile(t, content1, content2, 0)
	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	cacheDir := t.TempDir()
	items, err := img.Extract(context.Background(), cacheDir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(items[0].Path+".sha256", []byte("stale"), 0o644))

	items2, err := img.Extract(context.Background(), cacheDir)
	require.NoError(t, err)

	got, err := os.ReadFile(items2[0].Path)
	require.NoError(t, err)
	assert.Equal(t, content1, got)
}

func TestExtractRejectsPaddingLargerThanMax(t *testing.T) {
	content1 := []byte("small")
	content2 := []byte("also-small")
	path := buildTestImageFile(t, content1, content2, maxPadding+1)
	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	_, err = img.Extract(context.Background(), t.TempDir())
	require.Error(t, err)
}
