// Copyright 2024, the K2Mem contributors.

package phase

import (
	"github.com/CominLab/K2Mem/runerr"
	"github.com/CominLab/K2Mem/utils"
)

// State is a step of a run.
type State int

const (
	Idle State = iota
	BuildingMap
	Classifying
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case BuildingMap:
		return "building map"
	case Classifying:
		return "classifying"
	case Done:
		return "done"
	}
	return "unknown"
}

// Next returns the state following s.  Disabled phases are skipped.
func Next(s State, cfg utils.Config) State {
	switch s {
	case Idle:
		if !cfg.DisableAdditionalMap {
			return BuildingMap
		}
		fallthrough
	case BuildingMap:
		if !cfg.DisableClassification {
			return Classifying
		}
	}
	return Done
}

// Name returns the name of the phase executable run in state s, or
// the empty string for Idle and Done.
func (s State) Name() string {
	switch s {
	case BuildingMap:
		return "search"
	case Classifying:
		return "classify"
	}
	return ""
}

func (s State) failure() runerr.Kind {
	if s == BuildingMap {
		return runerr.SearchPhaseFailed
	}
	return runerr.ClassifyPhaseFailed
}

// Plan lists the phases a configuration runs, in order.
func Plan(cfg utils.Config) []State {
	var states []State
	for s := Next(Idle, cfg); s != Done; s = Next(s, cfg) {
		states = append(states, s)
	}
	return states
}
