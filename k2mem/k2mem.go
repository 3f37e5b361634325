// Copyright 2024, the K2Mem contributors.

// Package k2mem drives one classification run.
//
// A run checks the configuration, locates the database, resolves the
// phase executables, resets the additional hash map, works out how the
// inputs are compressed, and then runs the search phase followed by the
// classify phase.  Both phases get the same flags and input paths.
// Compressed inputs reach the phases through decompression pipes.
//
// If a log directory is configured, every run gets its own
// subdirectory, named by a generated id, holding a debug log
// (k2mem.log), the effective configuration (config.toml) and, when
// requested, a CPU profile.
package k2mem

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"

	"github.com/CominLab/K2Mem/compression"
	"github.com/CominLab/K2Mem/database"
	"github.com/CominLab/K2Mem/phase"
	"github.com/CominLab/K2Mem/pipes"
	"github.com/CominLab/K2Mem/runerr"
	"github.com/CominLab/K2Mem/utils"
)

const (
	logFileName    = "k2mem.log"
	configFileName = "config.toml"
)

// Streams are the standard streams of a run.  The phase executables
// inherit them, and phase timings are written to Stdout.
type Streams struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes one run.  Configuration errors are reported before the
// filesystem is touched.
func Run(cfg utils.Config, env utils.Environment, streams Streams) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if streams.Stdout == nil {
		streams.Stdout = io.Discard
	}
	if streams.Stderr == nil {
		streams.Stderr = io.Discard
	}

	r := &runner{config: cfg, env: env, streams: streams}
	defer r.close()

	if err := r.makeRunDir(); err != nil {
		return err
	}
	if err := r.setupLog(); err != nil {
		return err
	}
	if err := r.saveConfig(); err != nil {
		return err
	}
	if cfg.CPUProfile {
		dir := r.runDir
		if dir == "" {
			dir = "."
		}
		p := profile.Start(profile.CPUProfile, profile.ProfilePath(dir), profile.NoShutdownHook, profile.Quiet)
		defer p.Stop()
		r.log.WithField("dir", dir).Info("writing CPU profile")
	}

	err := r.run()
	if err != nil {
		r.log.WithError(err).WithField("kind", runerr.KindOf(err)).Error("run failed")
		return err
	}
	r.log.Info("all done")
	return nil
}

type runner struct {
	config  utils.Config
	env     utils.Environment
	streams Streams

	// runDir is empty when no log directory is configured.
	runDir  string
	logFile *os.File
	log     *logrus.Logger
}

// makeRunDir creates the directory for this run's log and
// configuration record.
func (r *runner) makeRunDir() error {
	if r.config.LogDir == "" {
		return nil
	}
	uid, err := uuid.NewUUID()
	if err != nil {
		return errors.Wrap(err, "generating run id")
	}
	r.runDir = filepath.Join(r.config.LogDir, uid.String())
	return errors.Wrap(os.MkdirAll(r.runDir, 0755), "creating run directory")
}

// setupLog builds the run logger.  Warnings go to standard error, or
// everything from info up with Verbose set.  Errors are left to the
// caller to report.  The run directory log gets every level.
func (r *runner) setupLog() error {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.DebugLevel)
	log.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})

	levels := []logrus.Level{logrus.WarnLevel}
	if r.config.Verbose {
		levels = append(levels, logrus.InfoLevel)
	}
	log.AddHook(&writer.Hook{Writer: r.streams.Stderr, LogLevels: levels})

	if r.runDir != "" {
		fid, err := os.Create(filepath.Join(r.runDir, logFileName))
		if err != nil {
			return errors.Wrap(err, "creating run log")
		}
		r.logFile = fid
		log.AddHook(&writer.Hook{Writer: fid, LogLevels: logrus.AllLevels})
	}

	r.log = log
	if r.runDir != "" {
		log.WithField("dir", r.runDir).Info("storing run log and configuration")
	}
	return nil
}

// saveConfig records the effective configuration in the run directory.
func (r *runner) saveConfig() error {
	if r.runDir == "" {
		return nil
	}
	fid, err := os.Create(filepath.Join(r.runDir, configFileName))
	if err != nil {
		return errors.Wrap(err, "saving configuration")
	}
	defer fid.Close()
	return utils.WriteConfig(fid, r.config)
}

func (r *runner) close() {
	if r.logFile != nil {
		r.logFile.Close()
	}
}

func (r *runner) run() error {
	cfg := r.config

	db, err := database.Open(cfg.DB, r.env)
	if err != nil {
		return err
	}
	r.log.WithField("dir", db.Dir).Info("using database")
	if !cfg.MemoryMapping {
		r.checkMemory(db)
	}

	execs, err := phase.Executables(cfg, r.env)
	if err != nil {
		return err
	}
	for s, exe := range execs {
		r.log.WithFields(logrus.Fields{"phase": s.Name(), "exec": exe}).Debug("resolved executable")
	}

	state, err := database.PrepareAdditionalMap(db, cfg.KeepMap)
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"path": db.AdditionalMap, "state": state}).Info("additional hash map ready")

	mode := compression.Resolve(cfg.ForcedCompression(), cfg.Inputs)
	r.log.WithField("compression", mode).Info("input compression")

	opts := pipes.Options{Stderr: r.streams.Stderr, Log: r.log}
	switch mode {
	case compression.Gzip:
		opts.GzipExec, err = r.filterExec("gzip")
	case compression.Bzip2:
		opts.Bzip2Exec, err = r.filterExec("bzip2")
	}
	if err != nil {
		return err
	}

	inv := &phase.Invoker{
		Execs:    execs,
		Env:      r.env,
		Attacher: pipes.New(mode, opts),
		Stdin:    r.streams.Stdin,
		Stdout:   r.streams.Stdout,
		Stderr:   r.streams.Stderr,
		Log:      r.log,
	}
	return inv.Run(cfg, phase.BuildFlags(cfg, db))
}

// checkMemory warns when the hash table cannot be loaded into
// physical memory.
func (r *runner) checkMemory(db database.Paths) {
	info, err := os.Stat(db.HashTable)
	if err != nil {
		return
	}
	total := memory.TotalMemory()
	if exceedsMemory(uint64(info.Size()), total) {
		r.log.WithFields(logrus.Fields{
			"hash_table": info.Size(),
			"memory":     total,
		}).Warn("hash table is larger than physical memory, consider --memory-mapping")
	}
}

// exceedsMemory reports whether size bytes do not fit in total.  A
// total of zero means the memory size is unknown.
func exceedsMemory(size, total uint64) bool {
	return total > 0 && size > total
}

// filterExec finds a decompression tool the same way the phase
// executables are found.
func (r *runner) filterExec(name string) (string, error) {
	exe, err := phase.LookupExecutable(name, r.env)
	if err != nil {
		return "", runerr.Wrap(runerr.DecompressionSpawnFailed, err, "cannot start %s", name)
	}
	return exe, nil
}
