// Package catalog turns event templates into concrete expedition events.
package catalog

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"trailhead/internal/config"
	"trailhead/internal/domain"
)

type Catalog struct {
	Templates      map[string]config.EventTemplate
	ResponseChance float64
}

func New(cfg *config.Config) Catalog {
	return Catalog{
		Templates:      cfg.Catalog,
		ResponseChance: cfg.Simulation.ResponseChance,
	}
}

// Pick chooses a category uniformly at random.
func (c Catalog) Pick(rng *rand.Rand) string {
	return domain.Categories[rng.Intn(len(domain.Categories))]
}

// Generate builds an event of the given category for the expedition. An empty
// category is picked at random. The returned event has no id, timestamps or
// deadline; the caller owns those.
func (c Catalog) Generate(rng *rand.Rand, category string, state domain.Expedition) (domain.ExpeditionEvent, error) {
	if category == "" {
		category = c.Pick(rng)
	}
	tmpl, ok := c.Templates[category]
	if !ok {
		return domain.ExpeditionEvent{}, fmt.Errorf("unknown event category %s", category)
	}
	if len(tmpl.Options) == 0 {
		return domain.ExpeditionEvent{}, fmt.Errorf("event category %s has no options", category)
	}
	desc := fmt.Sprintf("Something happens on expedition %s.", state.ID)
	if len(tmpl.Descriptions) > 0 {
		desc = tmpl.Descriptions[rng.Intn(len(tmpl.Descriptions))]
	}
	desc = strings.ReplaceAll(desc, "{stage}", state.Stage)

	options := make([]domain.EventOption, 0, len(tmpl.Options))
	for _, o := range tmpl.Options {
		options = append(options, domain.EventOption{
			ID:               o.ID,
			Label:            o.Label,
			SuccessRate:      o.SuccessRate,
			RewardMultiplier: o.RewardMultiplier,
			RiskLevel:        o.RiskLevel,
		})
	}
	return domain.ExpeditionEvent{
		ExpeditionID:     state.ID,
		Category:         category,
		Description:      desc,
		Options:          options,
		ResponseRequired: rng.Float64() < c.ResponseChance,
		Status:           domain.StatusPending,
	}, nil
}

// SafestOption returns the lowest-risk option; declaration order breaks ties.
func SafestOption(options []domain.EventOption) (domain.EventOption, bool) {
	if len(options) == 0 {
		return domain.EventOption{}, false
	}
	best := options[0]
	for _, o := range options[1:] {
		if domain.RiskRank(o.RiskLevel) < domain.RiskRank(best.RiskLevel) {
			best = o
		}
	}
	return best, true
}

// FindOption looks up an option by id.
func FindOption(options []domain.EventOption, id string) (domain.EventOption, bool) {
	for _, o := range options {
		if o.ID == id {
			return o, true
		}
	}
	return domain.EventOption{}, false
}

// Deadline returns when an event raised at now must be answered by.
func Deadline(now time.Time, autoResolveSeconds int, tick time.Duration) time.Time {
	return now.Add(time.Duration(autoResolveSeconds) * tick)
}
