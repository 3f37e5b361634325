// Copyright 2024, the K2Mem contributors.

package phase

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CominLab/K2Mem/compression"
	"github.com/CominLab/K2Mem/database"
	"github.com/CominLab/K2Mem/pipes"
	"github.com/CominLab/K2Mem/runerr"
	"github.com/CominLab/K2Mem/utils"
)

func writeExec(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return p
}

// recordingPhase writes a phase executable that appends its name,
// arguments and KRAKEN2_DIR to record, then the contents of its last
// argument.
func recordingPhase(t *testing.T, dir, name, record, extra string) string {
	return writeExec(t, dir, name, `echo "`+name+` $*" >> `+record+`
echo "dir=$KRAKEN2_DIR" >> `+record+`
for last; do :; done
cat "$last" >> `+record+`
`+extra)
}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type setup struct {
	cfg    utils.Config
	env    utils.Environment
	record string
	stdout *bytes.Buffer
	inv    *Invoker
}

func newSetup(t *testing.T, searchExtra, classifyExtra string) *setup {
	t.Helper()
	install := t.TempDir()
	work := t.TempDir()
	record := filepath.Join(work, "record.txt")
	recordingPhase(t, install, "search", record, searchExtra)
	recordingPhase(t, install, "classify", record, classifyExtra)

	input := filepath.Join(work, "reads.fa")
	require.NoError(t, os.WriteFile(input, []byte(">r\nACGT\n"), 0644))

	cfg := utils.DefaultConfig()
	cfg.Inputs = []string{input}
	env := utils.Environment{InstallDir: install, Path: os.Getenv("PATH")}

	s := &setup{cfg: cfg, env: env, record: record, stdout: new(bytes.Buffer)}
	s.inv = &Invoker{
		Env:      env,
		Attacher: pipes.New(compression.None, pipes.Options{}),
		Stdout:   s.stdout,
		Stderr:   io.Discard,
		Log:      quietLog(),
	}
	return s
}

func (s *setup) run(t *testing.T) error {
	t.Helper()
	execs, err := Executables(s.cfg, s.env)
	require.NoError(t, err)
	s.inv.Execs = execs
	return s.inv.Run(s.cfg, BuildFlags(s.cfg, database.NewPaths("/db")))
}

func (s *setup) recorded(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(s.record)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(b)
}

func TestRunBothPhases(t *testing.T) {
	s := newSetup(t, "", "")
	require.NoError(t, s.run(t))

	args := strings.Join(BuildFlags(s.cfg, database.NewPaths("/db")), " ") + " " + s.cfg.Inputs[0]
	want := "search " + args + "\n" +
		"dir=" + s.env.InstallDir + "\n" +
		">r\nACGT\n" +
		"classify " + args + "\n" +
		"dir=" + s.env.InstallDir + "\n" +
		">r\nACGT\n"
	assert.Equal(t, want, s.recorded(t))

	lines := strings.Split(strings.TrimSpace(s.stdout.String()), "\n")
	require.Len(t, lines, 2)
	assert.Regexp(t, `^search phase completed in [0-9]+\.[0-9]+s$`, lines[0])
	assert.Regexp(t, `^classify phase completed in [0-9]+\.[0-9]+s$`, lines[1])
}

func TestRunClassifyOnly(t *testing.T) {
	s := newSetup(t, "", "")
	s.cfg.DisableAdditionalMap = true
	require.NoError(t, s.run(t))

	rec := s.recorded(t)
	assert.NotContains(t, rec, "search ")
	assert.Equal(t, 1, strings.Count(rec, "classify -H /db/hash.k2d"))
	assert.NotContains(t, s.stdout.String(), "search phase")
}

func TestRunNothing(t *testing.T) {
	s := newSetup(t, "", "")
	s.cfg.DisableAdditionalMap = true
	s.cfg.DisableClassification = true
	require.NoError(t, s.run(t))
	assert.Empty(t, s.recorded(t))
	assert.Empty(t, s.stdout.String())
}

func TestRunChildEnvironment(t *testing.T) {
	s := newSetup(t, "", "")
	writeExec(t, s.env.InstallDir, "sibling", "echo sibling-found")
	writeExec(t, s.env.InstallDir, "classify", `sibling >> `+s.record+`
echo "path=$PATH" >> `+s.record)
	s.cfg.DisableAdditionalMap = true
	require.NoError(t, s.run(t))

	rec := s.recorded(t)
	assert.Contains(t, rec, "sibling-found")
	assert.Contains(t, rec, "path="+s.env.InstallDir+string(os.PathListSeparator))
}

func TestSearchFailureStopsRun(t *testing.T) {
	s := newSetup(t, "exit 3", "")
	err := s.run(t)
	require.Error(t, err)

	assert.True(t, runerr.Is(err, runerr.SearchPhaseFailed))
	assert.Equal(t, runerr.Subprocess, runerr.CategoryOf(err))
	re, _ := runerr.As(err)
	assert.Equal(t, "search", re.Phase)
	assert.Equal(t, 3, re.ExitCode)
	assert.Equal(t, 3, runerr.ExitStatus(err))
	assert.Contains(t, err.Error(), "exit status 3")

	assert.NotContains(t, s.recorded(t), "classify ")
	assert.Empty(t, s.stdout.String())
}

func TestClassifyFailure(t *testing.T) {
	s := newSetup(t, "", "exit 1")
	err := s.run(t)
	assert.True(t, runerr.Is(err, runerr.ClassifyPhaseFailed))
	assert.Contains(t, s.stdout.String(), "search phase completed")
	assert.NotContains(t, s.stdout.String(), "classify phase completed")
}

func TestPhaseKilledBySignal(t *testing.T) {
	s := newSetup(t, "", "kill -TERM $$")
	s.cfg.DisableAdditionalMap = true
	err := s.run(t)
	require.Error(t, err)

	re, ok := runerr.As(err)
	require.True(t, ok)
	assert.Equal(t, "SIGTERM", re.Signal)
	assert.Equal(t, -1, re.ExitCode)
	assert.Equal(t, 143, runerr.ExitStatus(err))
	assert.Contains(t, err.Error(), "killed by signal SIGTERM")
}

func TestRunCompressedInputs(t *testing.T) {
	s := newSetup(t, "", "")
	gz := writeExec(t, t.TempDir(), "gzip", `echo "inflated $2"`)
	s.inv.Attacher = pipes.New(compression.Gzip, pipes.Options{GzipExec: gz})
	s.cfg.Inputs = []string{"/data/a.fq.gz"}
	require.NoError(t, s.run(t))

	rec := s.recorded(t)
	assert.NotContains(t, rec, "-I 1 /data/a.fq.gz")
	assert.Equal(t, 2, strings.Count(rec, " /dev/fd/3\n"), "both phases get the descriptor path")
	assert.Equal(t, 2, strings.Count(rec, "inflated /data/a.fq.gz\n"), "each phase gets its own stream")
}

type failingAttacher struct{}

func (failingAttacher) Attach([]string) (*pipes.Attachment, error) {
	return nil, runerr.Wrap(runerr.DecompressionSpawnFailed, errors.New("boom"), "cannot start gzip")
}

func TestRunAttachFailure(t *testing.T) {
	s := newSetup(t, "", "")
	s.inv.Attacher = failingAttacher{}
	err := s.run(t)
	assert.True(t, runerr.Is(err, runerr.DecompressionSpawnFailed))
	assert.Empty(t, s.recorded(t))
}

func TestLookupExecutable(t *testing.T) {
	install, other := t.TempDir(), t.TempDir()
	inInstall := writeExec(t, install, "classify", "")
	writeExec(t, other, "classify", "")
	inPath := writeExec(t, other, "search", "")
	require.NoError(t, os.WriteFile(filepath.Join(install, "search"), []byte("data"), 0644))

	env := utils.Environment{InstallDir: install, Path: other}

	got, err := LookupExecutable("classify", env)
	require.NoError(t, err)
	assert.Equal(t, inInstall, got, "the install directory comes first")

	got, err = LookupExecutable("search", env)
	require.NoError(t, err)
	assert.Equal(t, inPath, got, "non-executable files are skipped")

	got, err = LookupExecutable(inPath, utils.Environment{})
	require.NoError(t, err)
	assert.Equal(t, inPath, got)

	_, err = LookupExecutable("missing", env)
	assert.True(t, runerr.Is(err, runerr.ExecutableNotFound))
	assert.Equal(t, runerr.Subprocess, runerr.CategoryOf(err))

	_, err = LookupExecutable(filepath.Join(install, "search"), env)
	assert.True(t, runerr.Is(err, runerr.ExecutableNotFound))
}

func TestLookupExecutableRelativeDirs(t *testing.T) {
	bin := t.TempDir()
	want := writeExec(t, bin, "search", "")
	want, err := filepath.EvalSymlinks(want)
	require.NoError(t, err)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(bin))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	for _, env := range []utils.Environment{{InstallDir: "."}, {Path: "."}} {
		got, err := LookupExecutable("search", env)
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(got), "%q", got)
		got, err = filepath.EvalSymlinks(got)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestLookupExecutableMessage(t *testing.T) {
	_, err := LookupExecutable("missing", utils.Environment{Path: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot find missing in PATH")

	install := t.TempDir()
	_, err = LookupExecutable("missing", utils.Environment{InstallDir: install})
	assert.Contains(t, err.Error(), "cannot find missing in "+install+" or PATH")
}

func TestExecutables(t *testing.T) {
	install := t.TempDir()
	writeExec(t, install, "search", "")
	env := utils.Environment{InstallDir: install}

	cfg := utils.DefaultConfig()
	_, err := Executables(cfg, env)
	assert.True(t, runerr.Is(err, runerr.ExecutableNotFound), "classify is missing")

	cfg.DisableClassification = true
	execs, err := Executables(cfg, env)
	require.NoError(t, err)
	assert.Equal(t, map[State]string{BuildingMap: filepath.Join(install, "search")}, execs)

	cfg.DisableAdditionalMap = true
	execs, err = Executables(cfg, env)
	require.NoError(t, err)
	assert.Empty(t, execs)
}
