// Copyright 2024, the K2Mem contributors.

package compression

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

func TestDetect(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte("@r1\nACGT\n+\nIIII\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var sz bytes.Buffer
	sw := snappy.NewBufferedWriter(&sz)
	_, err = sw.Write([]byte(">s1\nACGT\n"))
	require.NoError(t, err)
	require.NoError(t, sw.Close())

	tests := []struct {
		name string
		data []byte
		want Mode
	}{
		{"gzip", gz.Bytes(), Gzip},
		{"gzip magic only", []byte{0x1f, 0x8b}, Gzip},
		{"bzip2", []byte("BZh91AY&SY"), Bzip2},
		{"snappy", sz.Bytes(), Snappy},
		{"fasta", []byte(">s1\nACGT\n"), None},
		{"fastq", []byte("@r1\nACGT\n+\nIIII\n"), None},
		{"empty", nil, None},
		{"one byte", []byte{0x1f}, None},
		{"one byte B", []byte("B"), None},
		{"reversed gzip magic", []byte{0x8b, 0x1f}, None},
		{"lower case bz", []byte("bz"), None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, "reads", tt.data)
			got, err := Detect(p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectDoesNotConsume(t *testing.T) {
	data := []byte{0x1f, 0x8b, 0x08, 0x00, 'x', 'y'}
	p := writeFile(t, "reads.gz", data)

	mode, err := Detect(p)
	require.NoError(t, err)
	require.Equal(t, Gzip, mode)

	after, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, data, after)
}

func TestDetectSkipsNonRegularFiles(t *testing.T) {
	fifo := filepath.Join(t.TempDir(), "reads.fifo")
	require.NoError(t, unix.Mkfifo(fifo, 0600))

	// Opening the fifo for reading would block with no writer, so a
	// returned value proves it was never opened.
	mode, err := Detect(fifo)
	require.NoError(t, err)
	assert.Equal(t, None, mode)

	mode, err = Detect(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, None, mode)
}

func TestDetectMissingFile(t *testing.T) {
	_, err := Detect(filepath.Join(t.TempDir(), "nope.fq"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.fq")
}

func TestResolve(t *testing.T) {
	gz := writeFile(t, "a.gz", []byte{0x1f, 0x8b, 0})
	plain := writeFile(t, "a.fq", []byte("@r\nA\n+\nI\n"))

	assert.Equal(t, Gzip, Resolve(None, []string{gz, plain}))
	assert.Equal(t, None, Resolve(None, []string{plain, gz}))
	assert.Equal(t, Bzip2, Resolve(Bzip2, []string{gz}))
	assert.Equal(t, None, Resolve(None, nil))
	assert.Equal(t, None, Resolve(None, []string{filepath.Join(t.TempDir(), "missing")}))
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "gzip", Gzip.String())
	assert.Equal(t, "bzip2", Bzip2.String())
	assert.Equal(t, "snappy", Snappy.String())
	assert.Equal(t, "none", None.String())
}
