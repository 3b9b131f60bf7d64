package triplehash

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chunk.bin")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestReadWholeFile(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeTempFile(t, data)

	res, err := Read(path, 0, int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, sha256.Sum256(data), res.ContentHash)
	require.Equal(t, int64(len(data)), res.BytesRead)
}

func TestReadSubRange(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := writeTempFile(t, data)

	res, err := Read(path, 100, 200)
	require.NoError(t, err)
	require.Equal(t, sha256.Sum256(data[100:300]), res.ContentHash)
}

func TestInvalidOffsetAndLength(t *testing.T) {
	path := writeTempFile(t, []byte("hello"))

	_, err := Read(path, -1, 1)
	require.ErrorIs(t, err, ErrInvalidOffset)

	_, err = Read(path, 0, 0)
	require.ErrorIs(t, err, ErrInvalidLength)

	_, err = Read(path, 0, 1000)
	require.ErrorIs(t, err, ErrInvalidLength)
}

func TestUnchangedFilePassesIdentityCheck(t *testing.T) {
	data := make([]byte, 1<<20)
	path := writeTempFile(t, data)

	// A file left untouched between the pre- and post-read snapshots
	// passes the identity comparison; a change during the read is not
	// exercised here.
	res, err := Read(path, 0, int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), res.BytesRead)
}

func TestCompressibilityBounds(t *testing.T) {
	zeros := make([]byte, 6*1024*1024)
	path := writeTempFile(t, zeros)

	res, err := Read(path, 0, int64(len(zeros)))
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Compressibility, 0.0)
	require.LessOrEqual(t, res.Compressibility, 1.0)
	require.Greater(t, res.Compressibility, 0.5, "all-zero data should compress well")
}

func TestMappedVsBufferedAgree(t *testing.T) {
	data := make([]byte, mappedThreshold+1024)
	for i := range data {
		data[i] = byte(i * 7)
	}
	path := writeTempFile(t, data)

	mapped, err := Read(path, 0, int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, IOMethodMapped, mapped.IOMethod)

	buffered, err := Read(path, 0, mappedThreshold-1)
	require.NoError(t, err)
	require.Equal(t, IOMethodBuffered, buffered.IOMethod)

	require.Equal(t, sha256.Sum256(data), mapped.ContentHash)
	require.Equal(t, sha256.Sum256(data[:mappedThreshold-1]), buffered.ContentHash)
}
