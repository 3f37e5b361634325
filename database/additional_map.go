// Copyright 2024, the K2Mem contributors.

package database

import (
	"os"

	"github.com/pkg/errors"

	"github.com/CominLab/K2Mem/runerr"
)

// MapState describes the additional hash map after PrepareAdditionalMap.
type MapState int

const (
	// MapFresh is an empty map: the previous one was removed or
	// there was none.
	MapFresh MapState = iota

	// MapKept is the map left by a previous run.
	MapKept
)

func (s MapState) String() string {
	if s == MapKept {
		return "kept"
	}
	return "fresh"
}

// PrepareAdditionalMap makes sure the additional hash map exists before
// either phase opens it.  Unless keep is set an existing map is
// removed, and a missing map is created empty.
func PrepareAdditionalMap(p Paths, keep bool) (MapState, error) {
	exists, err := fileExists(p.AdditionalMap)
	if err != nil {
		return MapFresh, runerr.Wrap(runerr.MapDeletionFailed, err,
			"cannot inspect additional hash map %s", p.AdditionalMap).WithPath(p.AdditionalMap)
	}

	if exists && !keep {
		if err := os.Remove(p.AdditionalMap); err != nil {
			return MapFresh, runerr.Wrap(runerr.MapDeletionFailed, err,
				"cannot delete additional hash map %s", p.AdditionalMap).WithPath(p.AdditionalMap)
		}
		exists = false
	}
	if exists {
		return MapKept, nil
	}

	fid, err := os.OpenFile(p.AdditionalMap, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err == nil {
		err = fid.Close()
	}
	if err != nil {
		return MapFresh, runerr.Wrap(runerr.MapCreationFailed, err,
			"cannot create additional hash map %s", p.AdditionalMap).WithPath(p.AdditionalMap)
	}
	return MapFresh, nil
}

func fileExists(name string) (bool, error) {
	_, err := os.Lstat(name)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, name)
}
