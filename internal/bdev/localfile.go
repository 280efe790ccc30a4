package bdev

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/mayadata-io/nexus-engine/internal/errs"
)

// LocalFile is a sparse-file- or block-special-file-backed Device, standing
// in for a pool-managed replica whose creation is an external collaborator's
// responsibility — this is the minimal local surface the nexus needs to
// exercise that contract in tests and single-node setups.
//
// Grounded on dswarbrick-smart's raw-ioctl style (ioctl.go, sat.go): direct
// syscalls rather than a cgo SPDK binding, using golang.org/x/sys/unix for
// BLKZEROOUT / FALLOC_FL_PUNCH_HOLE.
type LocalFile struct {
	name      string
	path      string
	blockLen  uint32
	numBlocks uint64
	alignment uint32
	uuid      uuid.UUID
	isBlkDev  bool

	mu     sync.Mutex
	file   *os.File
	stats  IoStats
	refs   int32
	closed bool
}

// OpenLocalFile opens (or creates, if it does not exist and sizeBytes > 0)
// a local-file-backed block device.
func OpenLocalFile(name, path string, blockLen uint32, sizeBytes uint64) (*LocalFile, error) {
	if blockLen == 0 {
		blockLen = 512
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if os.IsNotExist(err) && sizeBytes > 0 {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err == nil {
			err = f.Truncate(int64(sizeBytes))
		}
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindOpenBdev, err, "open local device %s", path)
	}

	st, statErr := f.Stat()
	if statErr != nil {
		_ = f.Close()
		return nil, errs.Wrap(errs.KindOpenBdev, statErr, "stat local device %s", path)
	}

	size := uint64(st.Size())
	if size == 0 {
		size = sizeBytes
	}

	isBlkDev := st.Mode()&os.ModeDevice != 0

	return &LocalFile{
		name:      name,
		path:      path,
		blockLen:  blockLen,
		numBlocks: size / uint64(blockLen),
		alignment: 512,
		uuid:      uuid.New(),
		isBlkDev:  isBlkDev,
		file:      f,
		refs:      0,
	}, nil
}

func (d *LocalFile) Name() string             { return d.name }
func (d *LocalFile) SizeInBytes() uint64      { return d.numBlocks * uint64(d.blockLen) }
func (d *LocalFile) BlockLen() uint32         { return d.blockLen }
func (d *LocalFile) NumBlocks() uint64        { return d.numBlocks }
func (d *LocalFile) Alignment() uint32        { return d.alignment }
func (d *LocalFile) ProductName() string      { return "nexus local file bdev" }
func (d *LocalFile) DriverName() string       { return "aio" }
func (d *LocalFile) UUID() uuid.UUID          { return d.uuid }
func (d *LocalFile) ClaimedBy() string        { return "" }

func (d *LocalFile) IOTypeSupported(t IOType) bool {
	switch t {
	case IOTypeRead, IOTypeWrite, IOTypeUnmap, IOTypeWriteZeroes, IOTypeReset, IOTypeFlush:
		return true
	default:
		return false
	}
}

func (d *LocalFile) Stats() IoStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// OpenDescriptor opens a Descriptor over d. readOnly governs write rejection.
func (d *LocalFile) OpenDescriptor(readOnly bool) (Descriptor, error) {
	atomic.AddInt32(&d.refs, 1)
	emit(d.name, EventOpen)
	return &localDescriptor{dev: d, readOnly: readOnly}, nil
}

func (d *LocalFile) release() {
	if atomic.AddInt32(&d.refs, -1) == 0 {
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.closed && d.file != nil {
			_ = d.file.Close()
			d.closed = true
			emit(d.name, EventRemove)
		}
	}
}

type localDescriptor struct {
	dev      *LocalFile
	readOnly bool
	closed   bool
}

func (desc *localDescriptor) Device() Device { return desc.dev }
func (desc *localDescriptor) ReadOnly() bool { return desc.readOnly }

func (desc *localDescriptor) Handle(_ context.Context, _ string) (Handle, error) {
	if desc.closed {
		return nil, errs.New(errs.KindInvalidArgument, "descriptor for %s is closed", desc.dev.name)
	}
	atomic.AddInt32(&desc.dev.refs, 1)
	return &localHandle{dev: desc.dev, readOnly: desc.readOnly}, nil
}

func (desc *localDescriptor) Close() error {
	if desc.closed {
		return nil
	}
	desc.closed = true
	desc.dev.release()
	return nil
}

type localHandle struct {
	dev      *LocalFile
	readOnly bool
	dropped  bool
}

func (h *localHandle) Device() Device { return h.dev }

func (h *localHandle) drop() {
	if !h.dropped {
		h.dropped = true
		h.dev.release()
	}
}

func (h *localHandle) ReadAt(_ context.Context, offsetBytes uint64, buf []byte) (int, error) {
	if offsetBytes+uint64(len(buf)) > h.dev.SizeInBytes() {
		return 0, errs.New(errs.KindInvalidArgument, "read out of bounds")
	}
	n, err := h.dev.file.ReadAt(buf, int64(offsetBytes))
	h.dev.mu.Lock()
	h.dev.stats.NumReadOps++
	h.dev.stats.BytesRead += uint64(n)
	if err != nil {
		h.dev.stats.NumReadErrors++
	}
	h.dev.mu.Unlock()
	return n, err
}

func (h *localHandle) WriteAt(_ context.Context, offsetBytes uint64, buf []byte) (int, error) {
	if h.readOnly {
		return 0, errs.New(errs.KindInvalidArgument, "device opened read-only")
	}
	if offsetBytes+uint64(len(buf)) > h.dev.SizeInBytes() {
		return 0, errs.New(errs.KindInvalidArgument, "write out of bounds")
	}
	n, err := h.dev.file.WriteAt(buf, int64(offsetBytes))
	h.dev.mu.Lock()
	h.dev.stats.NumWriteOps++
	h.dev.stats.BytesWritten += uint64(n)
	if err != nil {
		h.dev.stats.NumWriteErrors++
	}
	h.dev.mu.Unlock()
	return n, err
}

func (h *localHandle) ReadvBlocks(ctx context.Context, iov [][]byte, offsetBlocks, numBlocks uint64, cb CompletionFn, cbArg any) error {
	off := offsetBlocks * uint64(h.dev.blockLen)
	var total int
	for _, seg := range iov {
		n, err := h.ReadAt(ctx, off+uint64(total), seg)
		total += n
		if err != nil {
			cb(CompletionStatus{Success: false, Nvme: 0}, cbArg)
			return nil
		}
	}
	cb(CompletionStatus{Success: true}, cbArg)
	return nil
}

func (h *localHandle) WritevBlocks(ctx context.Context, iov [][]byte, offsetBlocks, numBlocks uint64, cb CompletionFn, cbArg any) error {
	if h.readOnly {
		return errs.New(errs.KindInvalidArgument, "device opened read-only")
	}
	off := offsetBlocks * uint64(h.dev.blockLen)
	var total int
	for _, seg := range iov {
		n, err := h.WriteAt(ctx, off+uint64(total), seg)
		total += n
		if err != nil {
			cb(CompletionStatus{Success: false, Nvme: 0}, cbArg)
			return nil
		}
	}
	cb(CompletionStatus{Success: true}, cbArg)
	return nil
}

// UnmapBlocks deallocates the addressed range on backing storage when
// supported.
func (h *localHandle) UnmapBlocks(_ context.Context, offsetBlocks, numBlocks uint64, cb CompletionFn, cbArg any) error {
	if h.readOnly {
		return errs.New(errs.KindInvalidArgument, "device opened read-only")
	}
	off := int64(offsetBlocks * uint64(h.dev.blockLen))
	length := int64(numBlocks * uint64(h.dev.blockLen))

	err := unix.Fallocate(int(h.dev.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
	if err != nil {
		// Not every filesystem supports punch-hole; degrade to a zero-fill
		// so the region still reads back as zero.
		klog.V(4).Infof("bdev: unmap fallback to zero-fill on %s: %v", h.dev.name, err)
		zeros := make([]byte, length)
		if _, werr := h.dev.file.WriteAt(zeros, off); werr != nil {
			cb(CompletionStatus{Success: false}, cbArg)
			return nil
		}
	}
	h.dev.mu.Lock()
	h.dev.stats.NumUnmapOps++
	h.dev.mu.Unlock()
	cb(CompletionStatus{Success: true}, cbArg)
	return nil
}

// WriteZeroes guarantees the region reads back as zero, using BLKZEROOUT
// when the backing file is a block special device, else a direct write.
func (h *localHandle) WriteZeroes(_ context.Context, offsetBlocks, numBlocks uint64, cb CompletionFn, cbArg any) error {
	if h.readOnly {
		return errs.New(errs.KindInvalidArgument, "device opened read-only")
	}
	off := offsetBlocks * uint64(h.dev.blockLen)
	length := numBlocks * uint64(h.dev.blockLen)

	if h.dev.isBlkDev {
		rng := [2]uint64{off, length}
		if err := ioctlBlkZeroout(h.dev.file.Fd(), rng); err == nil {
			cb(CompletionStatus{Success: true}, cbArg)
			return nil
		}
	}
	zeros := make([]byte, length)
	if _, err := h.dev.file.WriteAt(zeros, int64(off)); err != nil {
		cb(CompletionStatus{Success: false}, cbArg)
		return nil
	}
	cb(CompletionStatus{Success: true}, cbArg)
	return nil
}

func (h *localHandle) Reset(_ context.Context, cb CompletionFn, cbArg any) error {
	cb(CompletionStatus{Success: true}, cbArg)
	return nil
}

func (h *localHandle) NvmeAdmin(context.Context, uint8, []byte) error {
	return fmt.Errorf("%w: local file device has no NVMe admin queue", errs.ErrNotSupported)
}

func (h *localHandle) NvmeAdminCustom(context.Context, uint8) error {
	return fmt.Errorf("%w: local file device has no NVMe admin queue", errs.ErrNotSupported)
}

func (h *localHandle) NvmeIdentifyCtrlr(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("%w: local file device has no NVMe controller", errs.ErrNotSupported)
}
