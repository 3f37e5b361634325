// Copyright 2024, the K2Mem contributors.

// Package database locates a classification database and manages the
// additional hash map stored next to it.
//
// The database files themselves are never parsed here; the package
// only checks that they exist.  The additional hash map is written by
// the search phase and read by the classify phase of the same run.
// Runs are not coordinated: two runs against the same database
// directory race on the additional hash map and on its reset.
package database

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/CominLab/K2Mem/runerr"
	"github.com/CominLab/K2Mem/utils"
)

// Names of the database files.
const (
	FileTaxonomy      = "taxo.k2d"
	FileHashTable     = "hash.k2d"
	FileOptions       = "opts.k2d"
	FileAdditionalMap = "additional_map.k2d"
)

// Paths holds the files of a database directory.
type Paths struct {
	Dir           string
	Taxonomy      string
	HashTable     string
	Options       string
	AdditionalMap string
}

// NewPaths returns the database file paths for dir.
func NewPaths(dir string) Paths {
	return Paths{
		Dir:           dir,
		Taxonomy:      filepath.Join(dir, FileTaxonomy),
		HashTable:     filepath.Join(dir, FileHashTable),
		Options:       filepath.Join(dir, FileOptions),
		AdditionalMap: filepath.Join(dir, FileAdditionalMap),
	}
}

// Required returns the files that must exist before a phase can run,
// in the order they are checked.
func (p Paths) Required() []string {
	return []string{p.Taxonomy, p.HashTable, p.Options}
}

// Check verifies that the required database files exist as regular
// files.  The error names the first one that does not.
func (p Paths) Check() error {
	for _, f := range p.Required() {
		info, err := os.Stat(f)
		if err != nil {
			return runerr.Wrap(runerr.DatabaseFileMissing, err,
				"database (%q) does not contain necessary file %s", p.Dir, filepath.Base(f)).WithPath(f)
		}
		if !info.Mode().IsRegular() {
			return runerr.New(runerr.DatabaseFileMissing,
				"database (%q) does not contain necessary file %s (not a regular file)",
				p.Dir, filepath.Base(f)).WithPath(f)
		}
	}
	return nil
}

// Resolve returns the database directory for name.  An empty name
// falls back to env.DefaultDB.  A name containing a path separator is
// used as given; a bare name is looked up in each directory of
// env.DBPath in turn.
func Resolve(name string, env utils.Environment) (string, error) {
	if name == "" {
		name = env.DefaultDB
	}
	if name == "" {
		return "", runerr.New(runerr.DatabaseNotFound,
			"must specify a database with --db or KRAKEN2_DEFAULT_DB")
	}

	if strings.ContainsRune(name, filepath.Separator) {
		if isDir(name) {
			return name, nil
		}
		return "", runerr.New(runerr.DatabaseNotFound,
			"database %q does not exist or is not a directory", name).WithPath(name)
	}

	searched := env.DBPath
	if len(searched) == 0 {
		searched = []string{"."}
	}
	for _, dir := range searched {
		cand := filepath.Join(dir, name)
		if isDir(cand) {
			return cand, nil
		}
	}
	return "", runerr.New(runerr.DatabaseNotFound,
		"unable to find database %q in %s", name, strings.Join(searched, string(os.PathListSeparator))).WithPath(name)
}

// Open resolves name and checks the required files.
func Open(name string, env utils.Environment) (Paths, error) {
	dir, err := Resolve(name, env)
	if err != nil {
		return Paths{}, err
	}
	p := NewPaths(dir)
	if err := p.Check(); err != nil {
		return Paths{}, err
	}
	return p, nil
}

func isDir(name string) bool {
	info, err := os.Stat(name)
	return err == nil && info.IsDir()
}
