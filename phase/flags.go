// Copyright 2024, the K2Mem contributors.

package phase

import (
	"strconv"

	"github.com/CominLab/K2Mem/database"
	"github.com/CominLab/K2Mem/utils"
)

// BuildFlags returns the arguments shared by both phase executables,
// without the input paths.  The order is fixed: the database files and
// numeric parameters always come first, then each optional flag that
// is set.
func BuildFlags(cfg utils.Config, db database.Paths) []string {
	flags := []string{
		"-H", db.HashTable,
		"-A", db.AdditionalMap,
		"-t", db.Taxonomy,
		"-o", db.Options,
		"-p", strconv.Itoa(cfg.Threads),
		"-T", strconv.FormatFloat(cfg.Confidence, 'f', -1, 64),
		"-Q", strconv.Itoa(cfg.MinimumBaseQuality),
		"-I", strconv.Itoa(cfg.MaxIteration),
	}

	switches := []struct {
		on   bool
		flag string
	}{
		{cfg.Quick, "-q"},
		{cfg.Paired, "-P"},
		{cfg.UseNames, "-n"},
		{cfg.MemoryMapping, "-M"},
		{cfg.OnlyClassifiedOutput, "-c"},
		{cfg.UseMpaStyle, "-m"},
		{cfg.ReportZeroCounts, "-z"},
	}
	for _, s := range switches {
		if s.on {
			flags = append(flags, s.flag)
		}
	}

	paths := []struct {
		flag  string
		value string
	}{
		{"-R", cfg.Report},
		{"-U", cfg.UnclassifiedOut},
		{"-C", cfg.ClassifiedOut},
		{"-O", cfg.Output},
	}
	for _, p := range paths {
		if p.value != "" {
			flags = append(flags, p.flag, p.value)
		}
	}

	return flags
}
