package tasks

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"kbforge/internal/config"
	"kbforge/internal/phase"
)

// Kind is the execution policy shared by every task of one class.
type Kind struct {
	Name          string
	SoftLimit     time.Duration
	HardLimit     time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	Concurrency   int
	RatePerSecond float64
	Burst         int
}

// KindTable maps kind names to policies and phases to kinds.
type KindTable struct {
	kinds  map[string]Kind
	phases map[phase.Phase]string
}

var defaultPhaseKinds = map[phase.Phase]string{
	phase.Fetch:          config.KindNetwork,
	phase.Cache:          config.KindNetwork,
	phase.MediaAnalysis:  config.KindInference,
	phase.Understanding:  config.KindInference,
	phase.Categorization: config.KindInference,
	phase.KBGeneration:   config.KindInference,
	phase.Embedding:      config.KindInference,
	phase.Synthesis:      config.KindSynthesis,
	phase.Publication:    config.KindNetwork,
}

// NewKindTable builds a table from explicit kinds. phaseKinds overrides the
// default phase assignment; every phase must end up on a known kind.
func NewKindTable(kinds []Kind, phaseKinds map[phase.Phase]string) (*KindTable, error) {
	table := &KindTable{
		kinds:  make(map[string]Kind, len(kinds)),
		phases: make(map[phase.Phase]string, len(defaultPhaseKinds)),
	}
	for _, k := range kinds {
		name := strings.ToLower(strings.TrimSpace(k.Name))
		if name == "" {
			return nil, fmt.Errorf("task kind missing name")
		}
		k.Name = name
		if k.Concurrency <= 0 {
			k.Concurrency = 1
		}
		if k.HardLimit > 0 && k.SoftLimit > k.HardLimit {
			return nil, fmt.Errorf("task kind %s: soft limit exceeds hard limit", name)
		}
		if k.MaxRetries < 0 {
			k.MaxRetries = 0
		}
		table.kinds[name] = k
	}
	for p, name := range defaultPhaseKinds {
		table.phases[p] = name
	}
	for p, name := range phaseKinds {
		if !p.Valid() {
			return nil, fmt.Errorf("phase kind override: unknown phase %q", p)
		}
		table.phases[p] = strings.ToLower(strings.TrimSpace(name))
	}
	for _, p := range phase.All() {
		if _, ok := table.kinds[table.phases[p]]; !ok {
			return nil, fmt.Errorf("phase %s mapped to unknown task kind %q", p, table.phases[p])
		}
	}
	return table, nil
}

// KindTableFromConfig converts the seconds-based config table.
func KindTableFromConfig(cfg config.Tasks) (*KindTable, error) {
	kinds := make([]Kind, 0, len(cfg.Kinds))
	for name, k := range cfg.Kinds {
		kinds = append(kinds, Kind{
			Name:          name,
			SoftLimit:     seconds(k.SoftLimit),
			HardLimit:     seconds(k.HardLimit),
			MaxRetries:    k.MaxRetries,
			BackoffBase:   seconds(k.BackoffBase),
			BackoffMax:    seconds(k.BackoffMax),
			Concurrency:   k.Concurrency,
			RatePerSecond: k.RatePerSecond,
			Burst:         k.Burst,
		})
	}
	overrides := make(map[phase.Phase]string, len(cfg.PhaseKinds))
	for raw, kind := range cfg.PhaseKinds {
		p, err := phase.Parse(raw)
		if err != nil {
			return nil, err
		}
		overrides[p] = kind
	}
	return NewKindTable(kinds, overrides)
}

func seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// ForPhase returns the kind policy that runs p.
func (t *KindTable) ForPhase(p phase.Phase) (Kind, bool) {
	name, ok := t.phases[p]
	if !ok {
		return Kind{}, false
	}
	k, ok := t.kinds[name]
	return k, ok
}

// Get returns the named kind.
func (t *KindTable) Get(name string) (Kind, bool) {
	k, ok := t.kinds[strings.ToLower(name)]
	return k, ok
}

// Kinds lists every kind sorted by name.
func (t *KindTable) Kinds() []Kind {
	out := make([]Kind, 0, len(t.kinds))
	for _, k := range t.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
