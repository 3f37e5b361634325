// Copyright 2024, the K2Mem contributors.

package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/CominLab/K2Mem/utils"
)

func TestNext(t *testing.T) {
	for _, tc := range []struct {
		noMap, noClassify bool
		want              []State
	}{
		{false, false, []State{BuildingMap, Classifying}},
		{true, false, []State{Classifying}},
		{false, true, []State{BuildingMap}},
		{true, true, nil},
	} {
		cfg := utils.DefaultConfig()
		cfg.DisableAdditionalMap = tc.noMap
		cfg.DisableClassification = tc.noClassify
		assert.Equal(t, tc.want, Plan(cfg), "map disabled %v, classify disabled %v", tc.noMap, tc.noClassify)
		assert.Equal(t, Done, Next(Classifying, cfg))
		assert.Equal(t, Done, Next(Done, cfg))
	}
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "search", BuildingMap.Name())
	assert.Equal(t, "classify", Classifying.Name())
	assert.Equal(t, "", Idle.Name())
	assert.Equal(t, "building map", BuildingMap.String())
	assert.Equal(t, "done", Done.String())
}
