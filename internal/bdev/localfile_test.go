package bdev

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayadata-io/nexus-engine/internal/errs"
)

func allocatedBlocks(t *testing.T, dev *LocalFile) int64 {
	t.Helper()
	fi, err := dev.file.Stat()
	require.NoError(t, err)
	return fi.Sys().(*syscall.Stat_t).Blocks
}

func openTestFile(t *testing.T) *LocalFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := OpenLocalFile("disk0", path, 512, 64*1024*1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.file.Close() })
	return dev
}

func TestLocalFileWriteReadRoundTrip(t *testing.T) {
	dev := openTestFile(t)
	desc, err := dev.OpenDescriptor(false)
	require.NoError(t, err)
	defer desc.Close()

	h, err := desc.Handle(context.Background(), "core0")
	require.NoError(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	var writeOK bool
	require.NoError(t, h.WritevBlocks(context.Background(), [][]byte{payload}, 4, 1, func(s CompletionStatus, _ any) {
		writeOK = s.Success
	}, nil))
	assert.True(t, writeOK)

	readBuf := make([]byte, len(payload))
	var readOK bool
	require.NoError(t, h.ReadvBlocks(context.Background(), [][]byte{readBuf}, 4, 1, func(s CompletionStatus, _ any) {
		readOK = s.Success
	}, nil))
	assert.True(t, readOK)
	assert.Equal(t, payload, readBuf)
}

func TestLocalFileReadOnlyRejectsWrite(t *testing.T) {
	dev := openTestFile(t)
	desc, err := dev.OpenDescriptor(true)
	require.NoError(t, err)
	defer desc.Close()

	h, err := desc.Handle(context.Background(), "core0")
	require.NoError(t, err)

	err = h.WritevBlocks(context.Background(), [][]byte{make([]byte, 512)}, 0, 1, func(CompletionStatus, any) {}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
}

func TestLocalFileUnmapSmallerThanBlockZeroesWithoutShrinkingAllocation(t *testing.T) {
	dev := openTestFile(t)
	desc, err := dev.OpenDescriptor(false)
	require.NoError(t, err)
	defer desc.Close()

	h, err := desc.Handle(context.Background(), "core0")
	require.NoError(t, err)

	filled := make([]byte, 10*512)
	for i := range filled {
		filled[i] = 0xAB
	}
	require.NoError(t, h.WritevBlocks(context.Background(), [][]byte{filled}, 4, 10, func(CompletionStatus, any) {}, nil))
	blocksBefore := allocatedBlocks(t, dev)

	var unmapOK bool
	require.NoError(t, h.UnmapBlocks(context.Background(), 4, 2, func(s CompletionStatus, _ any) {
		unmapOK = s.Success
	}, nil))
	assert.True(t, unmapOK)
	assert.Equal(t, blocksBefore, allocatedBlocks(t, dev))

	readBuf := make([]byte, 1024)
	require.NoError(t, h.ReadvBlocks(context.Background(), [][]byte{readBuf}, 4, 2, func(CompletionStatus, any) {}, nil))
	for _, b := range readBuf {
		assert.Zero(t, b)
	}
}
