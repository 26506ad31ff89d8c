package orchestrator

import (
	"context"
	"fmt"

	"github.com/netdef/bambridge/internal/store"
)

// StageRegistry holds the static, position-ordered stage templates.
// It is read-only after construction.
type StageRegistry struct {
	ordered       []store.StageConfiguration
	byName        map[string]*store.StageConfiguration
	byDisplayName map[string]*store.StageConfiguration
}

// LoadStageRegistry reads the seeded stage configurations from the
// repository.
func LoadStageRegistry(ctx context.Context, st *store.Store) (*StageRegistry, error) {
	configs, err := st.StageConfigurations(ctx)
	if err != nil {
		return nil, err
	}

	return NewStageRegistry(configs)
}

func NewStageRegistry(configs []store.StageConfiguration) (*StageRegistry, error) {
	r := StageRegistry{
		ordered:       configs,
		byName:        make(map[string]*store.StageConfiguration, len(configs)),
		byDisplayName: make(map[string]*store.StageConfiguration, len(configs)),
	}

	for i := range r.ordered {
		c := &r.ordered[i]

		if _, exist := r.byName[c.Name]; exist {
			return nil, fmt.Errorf("duplicate stage configuration name: %q", c.Name)
		}

		r.byName[c.Name] = c
		r.byDisplayName[c.DisplayName] = c
	}

	return &r, nil
}

// All returns the templates ordered by position.
func (r *StageRegistry) All() []store.StageConfiguration {
	return r.ordered
}

func (r *StageRegistry) ByName(name string) *store.StageConfiguration {
	return r.byName[name]
}

func (r *StageRegistry) ByDisplayName(displayName string) *store.StageConfiguration {
	return r.byDisplayName[displayName]
}

// ForJobName resolves the template a backend job belongs to: an exact
// display-name match wins, otherwise jobs fall into the template that
// shares their stage group suffix.
func (r *StageRegistry) ForJobName(jobName string) *store.StageConfiguration {
	if c, exist := r.byDisplayName[jobName]; exist {
		return c
	}

	key := stageGroupKey(jobName)
	for i := range r.ordered {
		if stageGroupKey(r.ordered[i].DisplayName) == key {
			return &r.ordered[i]
		}
	}

	return nil
}
