// Copyright 2024, the K2Mem contributors.

package utils

import (
	"io"
	"math"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/CominLab/K2Mem/compression"
	"github.com/CominLab/K2Mem/runerr"
)

// Config holds the settings of one k2mem run.  It is built once from
// defaults, the environment, an optional config file and the command
// line, validated, and not modified afterwards.
type Config struct {

	// Name or path of the classification database.  A bare name
	// is looked up in the database search path.
	DB string `toml:"db"`

	// Number of threads the phase executables use.
	Threads int `toml:"threads"`

	// Quick operation: use the first hit or hits.
	Quick bool `toml:"quick"`

	// Where unclassified and classified sequences are written.
	// Paired runs expect a '#' in the name, replaced by the mate
	// number.
	UnclassifiedOut string `toml:"unclassified_out"`
	ClassifiedOut   string `toml:"classified_out"`

	// Per-sequence classification output.  Empty means the phase
	// executable's default (standard output).
	Output string `toml:"output"`

	// Confidence score threshold, in [0, 1].
	Confidence float64 `toml:"confidence"`

	// Map the database files instead of reading them into memory.
	MemoryMapping bool `toml:"memory_mapping"`

	// Inputs are mate pairs: consecutive files hold the two mates.
	Paired bool `toml:"paired"`

	// Print scientific names instead of taxonomy ids.
	UseNames bool `toml:"use_names"`

	// Force the input compression instead of detecting it.  At
	// most one may be set.
	GzipCompressed   bool `toml:"gzip_compressed"`
	Bzip2Compressed  bool `toml:"bzip2_compressed"`
	SnappyCompressed bool `toml:"snappy_compressed"`

	// Only write classified sequences to the output.
	OnlyClassifiedOutput bool `toml:"only_classified_output"`

	// Bases with a quality below this are masked (FASTQ only).
	MinimumBaseQuality int `toml:"minimum_base_quality"`

	// Where the summary report is written.
	Report string `toml:"report"`

	// Report in MetaPhlAn style, and report taxa with zero counts.
	UseMpaStyle      bool `toml:"use_mpa_style"`
	ReportZeroCounts bool `toml:"report_zero_counts"`

	// Skip the classify phase.
	DisableClassification bool `toml:"disable_classification"`

	// Skip the search phase that builds the additional hash map.
	DisableAdditionalMap bool `toml:"disable_additional_map"`

	// Keep the additional hash map of the previous run instead of
	// starting from an empty one.
	KeepMap bool `toml:"keep_map"`

	// Maximum number of iterations of the search phase.
	MaxIteration int `toml:"max_iteration"`

	// Names or paths of the phase executables.
	SearchExec   string `toml:"search_exec"`
	ClassifyExec string `toml:"classify_exec"`

	// If set, each run gets a subdirectory here holding its log
	// and the effective configuration.
	LogDir string `toml:"log_dir"`

	// Capture a CPU profile of the run.
	CPUProfile bool `toml:"cpu_profile"`

	// Log progress to standard error.
	Verbose bool `toml:"verbose"`

	// The read files, in command line order.
	Inputs []string `toml:"inputs"`
}

// DefaultConfig returns a configuration holding the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Threads:      1,
		MaxIteration: 1,
		SearchExec:   "search",
		ClassifyExec: "classify",
	}
}

// ApplyEnvironment fills in the settings that the environment
// provides defaults for.
func (c *Config) ApplyEnvironment(env Environment) {
	if env.NumThreads > 0 {
		c.Threads = env.NumThreads
	}
	if c.DB == "" {
		c.DB = env.DefaultDB
	}
}

// Validate checks the settings before any file or subprocess is
// touched.
func (c *Config) Validate() error {
	if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
		return runerr.New(runerr.InvalidConfidence,
			"confidence threshold must be in [0, 1], got %v", c.Confidence)
	}
	if c.forcedCount() > 1 {
		return runerr.New(runerr.ConflictingCompressionFlags,
			"can't use more than one of --gzip-compressed, --bzip2-compressed and --snappy-compressed")
	}
	if c.Paired && (len(c.Inputs) == 0 || len(c.Inputs)%2 != 0) {
		return runerr.New(runerr.InvalidPairedInputCount,
			"--paired requires a positive, even number of input files, got %d", len(c.Inputs))
	}
	if c.Threads < 1 {
		return runerr.New(runerr.InvalidThreadCount,
			"thread count must be positive, got %d", c.Threads)
	}
	if c.MinimumBaseQuality < 0 {
		return runerr.New(runerr.InvalidMinimumQuality,
			"minimum base quality must not be negative, got %d", c.MinimumBaseQuality)
	}
	if c.MaxIteration < 1 {
		return runerr.New(runerr.InvalidMaxIteration,
			"max iteration must be at least 1, got %d", c.MaxIteration)
	}
	if len(c.Inputs) == 0 {
		return runerr.New(runerr.MissingInputs, "no input files given")
	}
	return nil
}

func (c *Config) forcedCount() int {
	var n int
	for _, f := range []bool{c.GzipCompressed, c.Bzip2Compressed, c.SnappyCompressed} {
		if f {
			n++
		}
	}
	return n
}

// ForcedCompression returns the compression mode set on the command
// line, or compression.None when detection should decide.
func (c *Config) ForcedCompression() compression.Mode {
	switch {
	case c.GzipCompressed:
		return compression.Gzip
	case c.Bzip2Compressed:
		return compression.Bzip2
	case c.SnappyCompressed:
		return compression.Snappy
	}
	return compression.None
}

// ReadConfig decodes a TOML configuration file over base.  Keys
// missing from the file keep their value from base.
func ReadConfig(filename string, base Config) (Config, error) {
	fid, err := os.Open(filename)
	if err != nil {
		return base, errors.Wrap(err, "reading config")
	}
	defer fid.Close()
	return DecodeConfig(fid, base)
}

// DecodeConfig is ReadConfig for an already open file.
func DecodeConfig(r io.Reader, base Config) (Config, error) {
	config := base
	md, err := toml.NewDecoder(r).Decode(&config)
	if err != nil {
		return base, errors.Wrap(err, "decoding config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return base, errors.Errorf("unknown config key %q", undecoded[0].String())
	}
	return config, nil
}

// WriteConfig writes the configuration in TOML format.
func WriteConfig(w io.Writer, config Config) error {
	return errors.Wrap(toml.NewEncoder(w).Encode(config), "encoding config")
}
