// Copyright 2024, the K2Mem contributors.
//
// k2mem classifies sequencing reads against a Kraken 2 style database
// in two phases.  The search phase extends the database with an
// additional hash map built from the reads; the classify phase then
// classifies the reads using the database and the additional map.
// Both phases are separate executables, installed next to k2mem, and
// receive the same flags and input files.
//
// A typical invocation is:
//
// k2mem --db standard --threads 8 --report report.txt --output out.txt reads_1.fq.gz reads_2.fq.gz --paired
//
// Compressed inputs (gzip, bzip2 or framed snappy) are detected from
// the first input file and decompressed on the fly; the phases only see
// uncompressed data.
//
// Settings can also be given in a TOML file with --config, using the
// flag names with '_' in place of '-':
//
//    db = "standard"
//    threads = 8
//    confidence = 0.1
//    inputs = ["reads_1.fq.gz", "reads_2.fq.gz"]
//
// Input files on the command line replace the inputs of the file.
//
// Flags given on the command line override the file, which overrides
// the environment: KRAKEN2_DEFAULT_DB names the default database,
// KRAKEN2_DB_PATH lists the directories searched for a database given
// by name, KRAKEN2_NUM_THREADS sets the default thread count, and
// KRAKEN2_DIR is the directory holding the phase executables.

package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/CominLab/K2Mem/k2mem"
	"github.com/CominLab/K2Mem/runerr"
	"github.com/CominLab/K2Mem/utils"
)

var version = "dev"

// usageError is a command line that could not be parsed.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

func (e usageError) Unwrap() error { return e.err }

func newRootCmd(env utils.Environment, streams k2mem.Streams) *cobra.Command {
	flagCfg := utils.DefaultConfig()
	var configFile string

	cmd := &cobra.Command{
		Use:           "k2mem [flags] <input files>...",
		Short:         "Classify sequencing reads with an additional hash map",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := utils.DefaultConfig()
			cfg.ApplyEnvironment(env)
			if configFile != "" {
				var err error
				cfg, err = utils.ReadConfig(configFile, cfg)
				if err != nil {
					return usageError{err}
				}
			}
			overlay(&cfg, &flagCfg, cmd.Flags())
			if len(args) > 0 {
				cfg.Inputs = args
			}
			return k2mem.Run(cfg, env, streams)
		},
	}

	f := cmd.Flags()
	f.SortFlags = false
	f.StringVar(&flagCfg.DB, "db", flagCfg.DB, "Name or path of the database (default $KRAKEN2_DEFAULT_DB)")
	f.IntVar(&flagCfg.Threads, "threads", flagCfg.Threads, "Number of threads (default $KRAKEN2_NUM_THREADS)")
	f.BoolVar(&flagCfg.Quick, "quick", false, "Quick operation (use first hit or hits)")
	f.StringVar(&flagCfg.UnclassifiedOut, "unclassified-out", "", "Print unclassified sequences to this file; '#' is replaced by the mate number with --paired")
	f.StringVar(&flagCfg.ClassifiedOut, "classified-out", "", "Print classified sequences to this file; '#' is replaced by the mate number with --paired")
	f.StringVar(&flagCfg.Output, "output", "", "Print output to this file (default standard output)")
	f.Float64Var(&flagCfg.Confidence, "confidence", 0, "Confidence score threshold, in [0, 1]")
	f.BoolVar(&flagCfg.MemoryMapping, "memory-mapping", false, "Avoid loading the database into RAM")
	f.BoolVar(&flagCfg.Paired, "paired", false, "The inputs are mate pairs")
	f.BoolVar(&flagCfg.UseNames, "use-names", false, "Print scientific names instead of taxonomy ids")
	f.BoolVar(&flagCfg.GzipCompressed, "gzip-compressed", false, "Input files are compressed with gzip")
	f.BoolVar(&flagCfg.Bzip2Compressed, "bzip2-compressed", false, "Input files are compressed with bzip2")
	f.BoolVar(&flagCfg.SnappyCompressed, "snappy-compressed", false, "Input files are framed snappy streams")
	f.BoolVar(&flagCfg.OnlyClassifiedOutput, "only-classified-output", false, "Print no output for unclassified sequences")
	f.IntVar(&flagCfg.MinimumBaseQuality, "minimum-base-quality", 0, "Minimum base quality used in classification (FASTQ only)")
	f.StringVar(&flagCfg.Report, "report", "", "Print a report with aggregate counts and clade to file")
	f.BoolVar(&flagCfg.UseMpaStyle, "use-mpa-style", false, "Format the report output like MetaPhlAn")
	f.BoolVar(&flagCfg.ReportZeroCounts, "report-zero-counts", false, "Report counts for all taxa, even with no reads")
	f.BoolVar(&flagCfg.DisableClassification, "disable-classification", false, "Skip the classify phase")
	f.BoolVar(&flagCfg.DisableAdditionalMap, "disable-additional-map", false, "Skip the search phase that builds the additional hash map")
	f.BoolVar(&flagCfg.KeepMap, "keep-map", false, "Keep the additional hash map of the previous run")
	f.IntVar(&flagCfg.MaxIteration, "max-iteration", flagCfg.MaxIteration, "Maximum number of search iterations")
	f.StringVar(&configFile, "config", "", "TOML file with settings, overridden by flags")
	f.StringVar(&flagCfg.SearchExec, "search-exec", flagCfg.SearchExec, "Search phase executable")
	f.StringVar(&flagCfg.ClassifyExec, "classify-exec", flagCfg.ClassifyExec, "Classify phase executable")
	f.StringVar(&flagCfg.LogDir, "log-dir", "", "Keep a log and the configuration of each run in a subdirectory of this directory")
	f.BoolVar(&flagCfg.CPUProfile, "cpu-profile", false, "Capture CPU profile data")
	f.BoolVar(&flagCfg.Verbose, "verbose", false, "Log progress to standard error")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	cmd.SetIn(streams.Stdin)
	cmd.SetOut(streams.Stdout)
	cmd.SetErr(streams.Stderr)
	return cmd
}

// overlay copies the settings of the flags that were given on the
// command line from src to dst.  A flag sets the Config field whose
// TOML key is the flag name with '_' in place of '-'.
func overlay(dst, src *utils.Config, flags *pflag.FlagSet) {
	dv := reflect.ValueOf(dst).Elem()
	sv := reflect.ValueOf(src).Elem()
	fields := configFields()
	flags.Visit(func(f *pflag.Flag) {
		if i, ok := fields[flagKey(f.Name)]; ok {
			dv.Field(i).Set(sv.Field(i))
		}
	})
}

// configFields maps TOML keys to Config field indices.
func configFields() map[string]int {
	t := reflect.TypeOf(utils.Config{})
	fields := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		fields[t.Field(i).Tag.Get("toml")] = i
	}
	return fields
}

func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// run executes the command line args and returns the exit status.
func run(args []string, env utils.Environment, streams k2mem.Streams) int {
	cmd := newRootCmd(env, streams)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return 0
	}

	fmt.Fprintf(streams.Stderr, "k2mem: %v\n", err)

	var ue usageError
	if errors.As(err, &ue) || runerr.CategoryOf(err) == runerr.Configuration {
		if runerr.Is(err, runerr.MissingInputs) {
			fmt.Fprint(streams.Stderr, cmd.UsageString())
		} else {
			fmt.Fprintf(streams.Stderr, "Run '%s --help' for usage.\n", cmd.Name())
		}
		return runerr.ExitUsage
	}
	return runerr.ExitStatus(err)
}

func main() {
	env := utils.LoadEnvironment(viper.New())
	streams := k2mem.Streams{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
	os.Exit(run(os.Args[1:], env, streams))
}
