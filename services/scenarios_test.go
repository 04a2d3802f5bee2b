package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenariosDefaults(t *testing.T) {
	reg, err := ParseScenarios(DefaultScenarios)
	require.NoError(t, err)

	sc, ok := reg.BySlug("WLB")
	require.True(t, ok)
	assert.Equal(t, Scenario{Slug: "wlb", QuestionnaireID: 3, Cached: true}, sc)

	sc, ok = reg.ByQuestionnaire(1)
	require.True(t, ok)
	assert.Equal(t, "independence", sc.Slug)
	assert.False(t, sc.Cached)

	_, ok = reg.BySlug("missing")
	assert.False(t, ok)
}

func TestParseScenariosRejectsMalformed(t *testing.T) {
	for _, def := range []string{"wlb", "wlb=abc", "wlb=0"} {
		_, err := ParseScenarios(def)
		assert.Error(t, err, def)
	}

	reg, err := ParseScenarios(" , ")
	require.NoError(t, err)
	_, ok := reg.BySlug("")
	assert.False(t, ok)
}

func TestNilRegistryLookups(t *testing.T) {
	var reg *ScenarioRegistry
	_, ok := reg.BySlug("wlb")
	assert.False(t, ok)
	_, ok = reg.ByQuestionnaire(3)
	assert.False(t, ok)
}
