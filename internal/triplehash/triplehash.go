// Package triplehash reads a byte range of a file and computes, in a
// single pass, its content hash, hardware checksum, and compressibility,
// the evidence C2 of the provenance pipeline attaches to every uploaded
// chunk.
package triplehash

import (
	"bytes"
	"compress/flate"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Errors returned by Read. Each corresponds to a named failure in the
// component's specification; callers should switch on errors.Is.
var (
	ErrInvalidOffset = errors.New("triplehash: invalid offset")
	ErrInvalidLength = errors.New("triplehash: invalid length")
	ErrOpenFailed    = errors.New("triplehash: open failed")
	ErrLockFailed    = errors.New("triplehash: lock failed")
	ErrMapFailed     = errors.New("triplehash: map failed")
	ErrFileChanged   = errors.New("triplehash: file changed during read")
)

// blockSize is the portable buffered-read block size: 128 KiB, the
// typical L1 data-cache size on modern ARM.
const blockSize = 128 * 1024

// sampleInterval and sampleWindow drive the compressibility sampler: a
// 32 KiB window is sampled every 5 MiB of data read.
const (
	sampleWindow   = 32 * 1024
	sampleInterval = 5 * 1024 * 1024
)

// IOMethod identifies which I/O path produced a Result.
type IOMethod string

const (
	IOMethodMapped   IOMethod = "mapped"
	IOMethodBuffered IOMethod = "buffered"
)

// Result is the triple-hash evidence for one chunk read.
type Result struct {
	ContentHash     [32]byte
	HWChecksum      uint32
	Compressibility float64
	BytesRead       int64
	IOMethod        IOMethod
}

// mappedThreshold is the minimum chunk size, in bytes, above which the
// reader prefers mapped windowed I/O over buffered block reads. Below
// this size the buffered fallback already amortizes syscall overhead.
const mappedThreshold = 4 * 1024 * 1024

// Read computes the triple-hash evidence for the half-open byte range
// [offset, offset+length) of the file at path, in a single pass, with
// TOCTOU protection: an inode/size snapshot is taken before and after the
// read and compared.
func Read(path string, offset, length int64) (Result, error) {
	if offset < 0 {
		return Result{}, ErrInvalidOffset
	}
	if length <= 0 {
		return Result{}, ErrInvalidLength
	}

	f, preSnap, err := openNoFollow(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	unlock, err := lockShared(f)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	if preSnap.size < offset+length {
		return Result{}, fmt.Errorf("%w: range exceeds file size %d", ErrInvalidLength, preSnap.size)
	}

	hintSequential(f)

	var (
		res Result
		rd  io.Reader
	)
	if length >= mappedThreshold {
		mr, closeMap, merr := openMapped(f, offset, length)
		if merr == nil {
			defer closeMap()
			rd = mr
			res.IOMethod = IOMethodMapped
		}
	}
	if rd == nil {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrOpenFailed, err)
		}
		rd = io.LimitReader(f, length)
		res.IOMethod = IOMethodBuffered
	}

	contentHash := sha256.New()
	crc := crc32.New(crc32.MakeTable(crc32.Castagnoli))

	var (
		totalRead      int64
		sinceLastSample int64
		compressSum    float64
		compressCount  int
	)

	buf := make([]byte, blockSize)
	for totalRead < length {
		n, rerr := rd.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			contentHash.Write(chunk)
			crc.Write(chunk)
			totalRead += int64(n)
			sinceLastSample += int64(n)

			if sinceLastSample >= sampleInterval {
				ratio := sampleCompressibility(chunk)
				compressSum += ratio
				compressCount++
				sinceLastSample = 0
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrOpenFailed, rerr)
		}
	}

	postSnap, err := statSnapshot(f)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrFileChanged, err)
	}
	if postSnap != preSnap {
		return Result{}, ErrFileChanged
	}

	dontNeed(f)

	copy(res.ContentHash[:], contentHash.Sum(nil))
	res.HWChecksum = crc.Sum32()
	if compressCount > 0 {
		res.Compressibility = clamp01(compressSum / float64(compressCount))
	}
	res.BytesRead = totalRead

	return res, nil
}

// sampleCompressibility returns 1 - compressed/sample for a window,
// clamped to [0,1] with 0 for incompressible input, per spec.
func sampleCompressibility(chunk []byte) float64 {
	window := chunk
	if len(window) > sampleWindow {
		window = window[:sampleWindow]
	}

	var out bytes.Buffer
	w, err := flate.NewWriter(&out, flate.DefaultCompression)
	if err != nil {
		return 0
	}
	_, _ = w.Write(window)
	_ = w.Close()

	if out.Len() >= len(window) {
		return 0
	}
	return clamp01(1 - float64(out.Len())/float64(len(window)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// statSnapshot captures the identity fields compared before/after a read.
type snapshot struct {
	size  int64
	inode uint64
	dev   uint64
	mtime int64
}

func statSnapshot(f *os.File) (snapshot, error) {
	fi, err := f.Stat()
	if err != nil {
		return snapshot{}, err
	}
	return platformSnapshot(fi), nil
}
