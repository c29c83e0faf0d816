package fetch

import (
	"sort"
	"sync"

	"github.com/ternarybob/arbor"
)

const (
	// Exponential moving average weight for new observations
	emaAlpha = 0.3
	// Optimistic prior so unproven strategies still get tried
	initialSuccessRate = 0.7
	// Observations before the tracked rate outranks chain order
	minObservations = 3
)

// StrategySelector tracks per-framework success rates for each strategy and
// reorders a chain to try the historically best strategy first. Rates decay
// toward recent outcomes, so a site redesign that breaks static fetching
// stops costing a wasted attempt after a few jobs.
type StrategySelector struct {
	stats  map[string]*strategyStats
	mu     sync.RWMutex
	logger arbor.ILogger
}

type strategyStats struct {
	successRate  float64
	observations int
}

// NewStrategySelector creates an empty selector
func NewStrategySelector(logger arbor.ILogger) *StrategySelector {
	return &StrategySelector{
		stats:  make(map[string]*strategyStats),
		logger: logger,
	}
}

// Record folds one outcome into the moving average for (framework, strategy)
func (s *StrategySelector) Record(framework, strategy string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := statsKey(framework, strategy)
	st, exists := s.stats[key]
	if !exists {
		st = &strategyStats{successRate: initialSuccessRate}
		s.stats[key] = st
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	st.successRate = emaAlpha*outcome + (1-emaAlpha)*st.successRate
	st.observations++
}

// SuccessRate returns the tracked rate for (framework, strategy), falling
// back to the optimistic prior when unobserved
func (s *StrategySelector) SuccessRate(framework, strategy string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, exists := s.stats[statsKey(framework, strategy)]; exists {
		return st.successRate
	}
	return initialSuccessRate
}

// Order returns the strategies sorted best-first for the framework. Chain
// order is preserved until a strategy has enough observations to rank it.
func (s *StrategySelector) Order(framework string, strategies []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type ranked struct {
		name     string
		rate     float64
		position int
	}
	rankings := make([]ranked, len(strategies))
	for i, name := range strategies {
		rate := initialSuccessRate
		if st, exists := s.stats[statsKey(framework, name)]; exists && st.observations >= minObservations {
			rate = st.successRate
		}
		rankings[i] = ranked{name: name, rate: rate, position: i}
	}

	sort.SliceStable(rankings, func(i, j int) bool {
		if rankings[i].rate != rankings[j].rate {
			return rankings[i].rate > rankings[j].rate
		}
		return rankings[i].position < rankings[j].position
	})

	ordered := make([]string, len(rankings))
	for i, r := range rankings {
		ordered[i] = r.name
	}
	return ordered
}

func statsKey(framework, strategy string) string {
	if framework == "" {
		framework = "plain"
	}
	return framework + "/" + strategy
}
