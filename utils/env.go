// Copyright 2024, the K2Mem contributors.

package utils

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Environment is the part of the process environment k2mem depends
// on.  It is read once at startup and passed to the components that
// need it; nothing else reads the environment.
type Environment struct {

	// Database used when none is given on the command line.
	DefaultDB string

	// Directories searched for a database given by name.
	DBPath []string

	// Default thread count, zero if unset or not a number.
	NumThreads int

	// Directory holding the k2mem executables.  Phase executables
	// are looked up here first, and find their siblings through
	// KRAKEN2_DIR.
	InstallDir string

	// The PATH handed down to child processes, without the install
	// directory.
	Path string
}

// LoadEnvironment reads the KRAKEN2_* variables and PATH through v.
// A nil v uses a fresh viper instance bound to the process
// environment.
func LoadEnvironment(v *viper.Viper) Environment {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("KRAKEN2")
	for _, key := range []string{"default_db", "db_path", "num_threads", "dir"} {
		// BindEnv only fails when given no key.
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("path", "PATH")
	v.SetDefault("db_path", ".")

	env := Environment{
		DefaultDB:  v.GetString("default_db"),
		DBPath:     splitList(v.GetString("db_path")),
		NumThreads: v.GetInt("num_threads"),
		InstallDir: v.GetString("dir"),
		Path:       v.GetString("path"),
	}
	if env.NumThreads < 0 {
		env.NumThreads = 0
	}
	if env.InstallDir == "" {
		env.InstallDir = executableDir()
	}
	return env
}

// ChildEnv returns the environment of a phase executable: the parent
// environment with KRAKEN2_DIR set to the install directory and the
// install directory prepended to PATH.
func (env Environment) ChildEnv(parent []string) []string {
	path := env.Path
	if env.InstallDir != "" {
		if path == "" {
			path = env.InstallDir
		} else {
			path = env.InstallDir + string(os.PathListSeparator) + path
		}
	}

	out := make([]string, 0, len(parent)+2)
	for _, kv := range parent {
		if strings.HasPrefix(kv, "KRAKEN2_DIR=") || strings.HasPrefix(kv, "PATH=") {
			continue
		}
		out = append(out, kv)
	}
	if env.InstallDir != "" {
		out = append(out, "KRAKEN2_DIR="+env.InstallDir)
	}
	return append(out, "PATH="+path)
}

// SearchPath returns the directories searched for executables: the
// install directory, then PATH.
func (env Environment) SearchPath() []string {
	var dirs []string
	if env.InstallDir != "" {
		dirs = append(dirs, env.InstallDir)
	}
	return append(dirs, splitList(env.Path)...)
}

func splitList(s string) []string {
	var out []string
	for _, d := range filepath.SplitList(s) {
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}
