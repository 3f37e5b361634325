// Copyright 2024, the K2Mem contributors.

// Package compression decides how the read files handed to k2mem are
// compressed.  The mode is either forced on the command line or
// detected from the leading bytes of the first input file.
package compression

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Mode is the compression of the input files.  All input files of a
// run share one mode.
type Mode int

const (
	None Mode = iota
	Gzip
	Bzip2

	// Snappy is the framed snappy format written by the snappy
	// tools (.sz files).
	Snappy
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Bzip2:
		return "bzip2"
	case Snappy:
		return "snappy"
	}
	return "unknown"
}

// Leading two bytes of each compressed format.  The snappy stream
// identifier chunk starts with type 0xff and a length of 6.
var signatures = []struct {
	magic [2]byte
	mode  Mode
}{
	{[2]byte{0x1f, 0x8b}, Gzip},
	{[2]byte{'B', 'Z'}, Bzip2},
	{[2]byte{0xff, 0x06}, Snappy},
}

// Sniff classifies the first bytes of a stream.  Fewer than two bytes
// never match.
func Sniff(head []byte) Mode {
	if len(head) < 2 {
		return None
	}
	for _, s := range signatures {
		if head[0] == s.magic[0] && head[1] == s.magic[1] {
			return s.mode
		}
	}
	return None
}

// Detect reads the first two bytes of the named file and reports its
// compression.  Paths that are not regular files (named pipes,
// devices, /dev/fd entries) are not probed, since reading from them
// would consume data the classification phases need; they are reported
// as uncompressed.  The probe uses its own descriptor, which is closed
// before Detect returns.
func Detect(path string) (Mode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return None, errors.Wrap(err, path)
	}
	if !info.Mode().IsRegular() {
		return None, nil
	}

	fid, err := os.Open(path)
	if err != nil {
		return None, errors.Wrap(err, path)
	}
	defer fid.Close()

	head := make([]byte, 2)
	n, err := io.ReadFull(fid, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return None, errors.Wrap(err, path)
	}

	return Sniff(head[:n]), nil
}

// Resolve returns the forced mode if there is one, otherwise the mode
// detected from the first input.  A first input that cannot be probed
// is left to the phase executables to report.
func Resolve(forced Mode, inputs []string) Mode {
	if forced != None || len(inputs) == 0 {
		return forced
	}
	mode, err := Detect(inputs[0])
	if err != nil {
		return None
	}
	return mode
}
