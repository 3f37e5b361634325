// Copyright 2024, the K2Mem contributors.

// Package phase runs the search and classify executables.
//
// Both executables get the same flags and the same input paths.  The
// search phase, when enabled, always finishes before the classify
// phase starts, since the classify phase reads the additional hash map
// the search phase writes.  There is no timeout: a phase that never
// exits blocks the run.
package phase

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/CominLab/K2Mem/pipes"
	"github.com/CominLab/K2Mem/runerr"
	"github.com/CominLab/K2Mem/utils"
)

// Attacher prepares the inputs of one phase process.
type Attacher interface {
	Attach(inputs []string) (*pipes.Attachment, error)
}

// Invoker runs the phases of a configuration.
type Invoker struct {

	// Execs holds the resolved executable of every phase that
	// runs, see Executables.
	Execs map[State]string

	Env      utils.Environment
	Attacher Attacher

	// Standard streams of the phase processes.  Progress messages
	// are also written to Stdout.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Log logrus.FieldLogger
}

// Run runs every enabled phase in order with flags followed by the
// inputs.  It stops at the first failure.  A configuration with both
// phases disabled runs nothing and succeeds.
func (inv *Invoker) Run(cfg utils.Config, flags []string) error {
	for s := Next(Idle, cfg); s != Done; s = Next(s, cfg) {
		inv.Log.WithField("state", s).Debug("entering state")
		if err := inv.runPhase(s, flags, cfg.Inputs); err != nil {
			return err
		}
	}
	inv.Log.WithField("state", Done).Debug("entering state")
	return nil
}

func (inv *Invoker) runPhase(s State, flags, inputs []string) error {
	name := s.Name()
	exe, ok := inv.Execs[s]
	if !ok {
		return runerr.New(runerr.ExecutableNotFound, "no executable for the %s phase", name)
	}

	att, err := inv.Attacher.Attach(inputs)
	if err != nil {
		return err
	}

	args := make([]string, 0, len(flags)+len(inputs))
	args = append(args, flags...)
	args = append(args, att.Paths()...)

	cmd := exec.Command(exe, args...)
	cmd.Env = inv.Env.ChildEnv(os.Environ())
	cmd.Stdin = inv.Stdin
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr
	cmd.ExtraFiles = att.ExtraFiles()

	log := inv.Log.WithFields(logrus.Fields{"phase": name, "exec": exe})
	log.WithField("args", strings.Join(args, " ")).Info("starting phase")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = att.Release()
		re := runerr.Wrap(s.failure(), err, "cannot start %s phase '%s'", name, exe)
		re.Phase = name
		re.ExitCode = -1
		return re
	}
	att.Started()
	werr := cmd.Wait()
	elapsed := time.Since(start)

	// Release logs filter failures.  The phase's exit status decides
	// the outcome.
	_ = att.Release()

	if werr != nil {
		re := failure(s, werr)
		log.WithError(re).Error("phase failed")
		return re
	}

	log.WithField("seconds", elapsed.Seconds()).Info("phase completed")
	fmt.Fprintf(inv.Stdout, "%s phase completed in %.3fs\n", name, elapsed.Seconds())
	return nil
}

// failure describes a phase process that did not exit cleanly.
func failure(s State, err error) *runerr.Error {
	re := &runerr.Error{
		Kind:     s.failure(),
		Msg:      fmt.Sprintf("%s phase failed", s.Name()),
		Phase:    s.Name(),
		ExitCode: -1,
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		re.Err = err
		return re
	}
	re.ExitCode = exitErr.ExitCode()
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		re.Signal = unix.SignalName(sig)
		if re.Signal == "" {
			re.Signal = sig.String()
		}
		re.SignalNum = int(sig)
	}
	return re
}

// Executables resolves the executable of every phase cfg runs, before
// any of them is started.
func Executables(cfg utils.Config, env utils.Environment) (map[State]string, error) {
	execs := make(map[State]string)
	for _, s := range Plan(cfg) {
		name := cfg.SearchExec
		if s == Classifying {
			name = cfg.ClassifyExec
		}
		exe, err := LookupExecutable(name, env)
		if err != nil {
			return nil, err
		}
		execs[s] = exe
	}
	return execs, nil
}

// LookupExecutable finds the executable called name.  A name holding a
// path separator is used as given.  Otherwise the install directory is
// searched first, then each PATH entry.
func LookupExecutable(name string, env utils.Environment) (string, error) {
	if name == "" {
		return "", runerr.New(runerr.ExecutableNotFound, "empty executable name")
	}

	if strings.ContainsRune(name, filepath.Separator) {
		if isExecutable(name) {
			return name, nil
		}
		return "", runerr.New(runerr.ExecutableNotFound,
			"%s is not an executable file", name).WithPath(name)
	}

	for _, dir := range env.SearchPath() {
		p := filepath.Join(dir, name)
		if !isExecutable(p) {
			continue
		}
		// exec.Command searches PATH again for a name without a separator.
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", runerr.Wrap(runerr.ExecutableNotFound, err, "cannot resolve %s", p).WithPath(p)
		}
		return abs, nil
	}
	if env.InstallDir == "" {
		return "", runerr.New(runerr.ExecutableNotFound, "cannot find %s in PATH", name)
	}
	return "", runerr.New(runerr.ExecutableNotFound,
		"cannot find %s in %s or PATH", name, env.InstallDir)
}

func isExecutable(name string) bool {
	info, err := os.Stat(name)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0
}
