// Copyright 2024, the K2Mem contributors.

// Package pipes feeds compressed read files to the phase executables
// through pipes, so that the executables only ever see uncompressed
// data.
//
// For every input file a filter (an external gzip or bzip2 process, or
// an in-process snappy decoder) writes the decompressed data into a
// pipe.  The read end of the pipe is handed to the phase process as an
// extra inherited descriptor, and the input path is replaced by that
// descriptor's /dev/fd path.  In this process both ends of every pipe
// stay close-on-exec, so the only process that inherits a read end is
// the phase it was made for, and no process but the filter holds a
// write end.
//
// A pipe can only be read once, so each phase gets its own Attachment.
// Input i is always descriptor 3+i in the phase process, which keeps
// the argument vector identical across phases.
package pipes

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/golang/snappy"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/CominLab/K2Mem/compression"
	"github.com/CominLab/K2Mem/runerr"
)

// firstExtraFD is the descriptor number exec.Cmd gives ExtraFiles[0]
// in the child.
const firstExtraFD = 3

// FDPath returns the path under which a process opens its descriptor
// fd.
func FDPath(fd int) string {
	return fmt.Sprintf("/dev/fd/%d", fd)
}

// Options configures a Manager.
type Options struct {

	// Decompression executables, "gzip" and "bzip2" if empty.
	// They are run as '<exec> -dc <file>'.
	GzipExec  string
	Bzip2Exec string

	// Receives the filters' standard error.  Nil discards it.
	Stderr io.Writer

	Log logrus.FieldLogger
}

// Manager attaches input files to phase processes.
type Manager struct {
	mode compression.Mode
	opts Options
}

// New returns a manager for inputs compressed with mode.
func New(mode compression.Mode, opts Options) *Manager {
	if opts.GzipExec == "" {
		opts.GzipExec = "gzip"
	}
	if opts.Bzip2Exec == "" {
		opts.Bzip2Exec = "bzip2"
	}
	if opts.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Log = l
	}
	return &Manager{mode: mode, opts: opts}
}

// Mode returns the compression the manager decodes.
func (m *Manager) Mode() compression.Mode {
	return m.mode
}

// filter is one running decompressor.
type filter struct {
	input string
	name  string
	wait  func() error
}

// Attachment is the set of inputs prepared for one phase process.
type Attachment struct {
	paths   []string
	files   []*os.File
	filters []*filter
	log     logrus.FieldLogger
}

// Attach prepares inputs for one phase process.  Uncompressed inputs
// are passed through; compressed inputs each get a running filter.
// On error every filter started so far is stopped.
func (m *Manager) Attach(inputs []string) (*Attachment, error) {
	a := &Attachment{log: m.opts.Log}
	if m.mode == compression.None {
		a.paths = append(a.paths, inputs...)
		return a, nil
	}

	for i, input := range inputs {
		r, f, err := m.spawn(input)
		if err != nil {
			_ = a.Release()
			return nil, err
		}
		fd := firstExtraFD + i
		a.files = append(a.files, r)
		a.filters = append(a.filters, f)
		a.paths = append(a.paths, FDPath(fd))
		m.opts.Log.WithFields(logrus.Fields{
			"input":  input,
			"filter": f.name,
			"path":   FDPath(fd),
		}).Debug("decompression filter started")
	}
	return a, nil
}

// spawn starts the filter for input and returns the read end of its
// pipe.
func (m *Manager) spawn(input string) (*os.File, *filter, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, runerr.Wrap(runerr.DecompressionSpawnFailed, err,
			"cannot create pipe for %s", input).WithPath(input)
	}
	for _, end := range []*os.File{r, w} {
		if err := keepPrivate(end); err != nil {
			r.Close()
			w.Close()
			return nil, nil, runerr.Wrap(runerr.DescriptorFlagError, err,
				"cannot set close-on-exec on pipe for %s", input).WithPath(input)
		}
	}

	var f *filter
	switch m.mode {
	case compression.Gzip:
		f, err = m.startCommand(m.opts.GzipExec, input, w)
	case compression.Bzip2:
		f, err = m.startCommand(m.opts.Bzip2Exec, input, w)
	case compression.Snappy:
		f, err = startSnappy(input, w)
	default:
		err = runerr.New(runerr.DecompressionSpawnFailed, "no decompressor for %s", m.mode)
	}
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return r, f, nil
}

// startCommand runs '<exe> -dc <input>' writing into w.  w is closed
// in this process once the filter holds it.
func (m *Manager) startCommand(exe, input string, w *os.File) (*filter, error) {
	cmd := exec.Command(exe, "-dc", input)
	cmd.Stdout = w
	cmd.Stderr = m.opts.Stderr
	err := cmd.Start()
	w.Close()
	if err != nil {
		return nil, runerr.Wrap(runerr.DecompressionSpawnFailed, err,
			"cannot start '%s -dc %s'", exe, input).WithPath(input)
	}
	return &filter{input: input, name: exe, wait: cmd.Wait}, nil
}

// startSnappy decodes the framed snappy file input into w in a
// goroutine.  The file is opened before returning so that a missing
// input is reported like a filter that cannot be started.
func startSnappy(input string, w *os.File) (*filter, error) {
	src, err := os.Open(input)
	if err != nil {
		w.Close()
		return nil, runerr.Wrap(runerr.DecompressionSpawnFailed, err,
			"cannot open %s", input).WithPath(input)
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(w, snappy.NewReader(src))
		src.Close()
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		done <- err
	}()

	return &filter{input: input, name: "snappy", wait: func() error { return <-done }}, nil
}

// fcntl is replaced in tests.
var fcntl = unix.FcntlInt

// keepPrivate makes sure f is closed when this process starts another
// program.  Descriptors a phase must inherit are passed explicitly
// through exec.Cmd.ExtraFiles, which installs them in the child
// without the flag.
func keepPrivate(f *os.File) error {
	fd := f.Fd()
	flags, err := fcntl(fd, unix.F_GETFD, 0)
	if err != nil {
		return errors.Wrap(err, "F_GETFD")
	}
	if flags&unix.FD_CLOEXEC != 0 {
		return nil
	}
	_, err = fcntl(fd, unix.F_SETFD, flags|unix.FD_CLOEXEC)
	return errors.Wrap(err, "F_SETFD")
}

// Paths returns the input paths the phase process must be given.
func (a *Attachment) Paths() []string {
	return a.paths
}

// ExtraFiles returns the descriptors the phase process must inherit,
// for exec.Cmd.ExtraFiles.  Nil for uncompressed inputs.
func (a *Attachment) ExtraFiles() []*os.File {
	return a.files
}

// Started drops this process's copies of the read ends once the phase
// process holds its own.  A filter then sees a broken pipe as soon as
// the phase exits without reading everything.
func (a *Attachment) Started() {
	a.closeReadEnds()
}

func (a *Attachment) closeReadEnds() {
	for _, f := range a.files {
		f.Close()
	}
}

// Release closes any read ends still held and waits for every filter
// to finish.  Filters stopped by a broken pipe are not errors: the
// phase process went away before reading all its input, and it
// reports that itself.  Every other filter failure is returned.
func (a *Attachment) Release() error {
	a.closeReadEnds()

	var result *multierror.Error
	for _, f := range a.filters {
		err := f.wait()
		if err == nil || brokenPipe(err) {
			continue
		}
		a.log.WithError(err).WithField("input", f.input).Warn("decompression filter failed")
		result = multierror.Append(result, errors.Wrapf(err, "%s decompressing %s", f.name, f.input))
	}
	a.filters = nil
	return result.ErrorOrNil()
}

func brokenPipe(err error) bool {
	if errors.Is(err, syscall.EPIPE) {
		return true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return ws.Signaled() && ws.Signal() == syscall.SIGPIPE
		}
	}
	return false
}
