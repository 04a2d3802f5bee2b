package services

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultScenarios maps the built-in scenario slugs to questionnaire ids.
// A ":cached" suffix keeps the conversation in the session store between turns.
const DefaultScenarios = "independence=1,confidence=2:cached,wlb=3:cached,negotiation=4"

type Scenario struct {
	Slug            string
	QuestionnaireID uint
	Cached          bool
}

// ScenarioRegistry resolves slugs to questionnaires and back.
type ScenarioRegistry struct {
	bySlug  map[string]Scenario
	byQuest map[uint]Scenario
}

// ParseScenarios reads "slug=id[:cached],..." definitions.
func ParseScenarios(definitions string) (*ScenarioRegistry, error) {
	reg := &ScenarioRegistry{
		bySlug:  make(map[string]Scenario),
		byQuest: make(map[uint]Scenario),
	}
	for _, item := range strings.Split(definitions, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		slug, rest, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid scenario %q: expected slug=id", item)
		}
		idPart, flag, _ := strings.Cut(rest, ":")
		id, err := strconv.ParseUint(strings.TrimSpace(idPart), 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid scenario %q: bad questionnaire id", item)
		}
		sc := Scenario{
			Slug:            strings.ToLower(strings.TrimSpace(slug)),
			QuestionnaireID: uint(id),
			Cached:          strings.TrimSpace(flag) == "cached",
		}
		reg.bySlug[sc.Slug] = sc
		reg.byQuest[sc.QuestionnaireID] = sc
	}
	return reg, nil
}

func (r *ScenarioRegistry) BySlug(slug string) (Scenario, bool) {
	if r == nil {
		return Scenario{}, false
	}
	sc, ok := r.bySlug[strings.ToLower(slug)]
	return sc, ok
}

func (r *ScenarioRegistry) ByQuestionnaire(id uint) (Scenario, bool) {
	if r == nil {
		return Scenario{}, false
	}
	sc, ok := r.byQuest[id]
	return sc, ok
}
