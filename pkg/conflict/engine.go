// ABOUTME: Conflict resolution engine: detection cycle, strategy
// ABOUTME: dispatch, recommendation, statistics, and stale-case sweep

package conflict

import (
	"sort"
	"sync"
	"time"
)

// Config tunes engine behavior.
type Config struct {
	SweepInterval time.Duration // how often stale cases are dropped
	MaxCaseAge    time.Duration // active case lifetime
	// PredictionThreshold is how many times a conflict type must recur
	// in the history window before the predictor emits it.
	PredictionThreshold int
	PredictionWindow    time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:       30 * time.Second,
		MaxCaseAge:          5 * time.Minute,
		PredictionThreshold: 3,
		PredictionWindow:    10 * time.Minute,
	}
}

// Engine runs detectors over context pairs, ranks the results, and
// executes resolution strategies.
type Engine struct {
	cfg Config

	mu        sync.RWMutex
	detectors []Detector
	active    map[string]*Case
	history   []Resolution
	stats     Stats

	// strategies maps conflict type to its ordered allowed strategies.
	strategies map[Type][]Strategy
	executors  map[Strategy]func(*Case) Outcome

	stop chan struct{}
	done chan struct{}
}

// NewEngine creates an engine with the default detector and strategy
// tables.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		cfg:       cfg,
		detectors: defaultDetectors(),
		active:    make(map[string]*Case),
		strategies: map[Type][]Strategy{
			TypeConcurrentEdit:    {StrategyAutoMerge, StrategyLastWriterWins, StrategyManual, StrategySemanticMerge},
			TypeVersionMismatch:   {StrategyLastWriterWins, StrategyFirstWriterWins, StrategyRollback, StrategyManual},
			TypePermissionDenied:  {StrategyRollback, StrategyManual},
			TypeDataInconsistency: {StrategyAutoMerge, StrategySemanticMerge, StrategyVoting, StrategyManual},
			TypeNetworkPartition:  {StrategyLastWriterWins, StrategyAutoMerge, StrategyManual},
			TypeSemantic:          {StrategySemanticMerge, StrategyVoting, StrategyManual},
		},
	}
	e.executors = map[Strategy]func(*Case) Outcome{
		StrategyAutoMerge:       e.execAutoMerge,
		StrategyLastWriterWins:  e.execLastWriterWins,
		StrategyFirstWriterWins: e.execFirstWriterWins,
		StrategySemanticMerge:   e.execSemanticMerge,
		StrategyRollback:        e.execRollback,
		StrategyVoting:          e.execEscalate,
		StrategyManual:          e.execEscalate,
	}
	return e
}

// Detect runs every registered detector over the context pair,
// appends predictor output, registers the cases as active, and
// returns them sorted by (criticality desc, impact desc, age asc).
func (e *Engine) Detect(local, remote Context, meta ChangeMetadata) []Case {
	var cases []Case

	e.mu.RLock()
	detectors := e.detectors
	e.mu.RUnlock()

	for _, d := range detectors {
		cases = append(cases, d.Fn(local, remote, meta)...)
	}
	cases = append(cases, e.predict(local, remote)...)

	sort.SliceStable(cases, func(i, j int) bool {
		if cases[i].Criticality != cases[j].Criticality {
			return cases[i].Criticality > cases[j].Criticality
		}
		if cases[i].Impact != cases[j].Impact {
			return cases[i].Impact > cases[j].Impact
		}
		return cases[i].DetectedAt.Before(cases[j].DetectedAt)
	})

	e.mu.Lock()
	for i := range cases {
		c := cases[i]
		e.active[c.ID] = &c
		e.stats.Detected++
	}
	e.mu.Unlock()

	return cases
}

// predict inspects recent history for conflict types that keep
// recurring and emits them as predicted cases at reduced criticality.
func (e *Engine) predict(local, remote Context) []Case {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cutoff := time.Now().Add(-e.cfg.PredictionWindow)
	counts := make(map[Type]int)
	for _, r := range e.history {
		if r.ResolvedAt.After(cutoff) {
			counts[r.Case.Type]++
		}
	}

	var predicted []Case
	for typ, n := range counts {
		if n < e.cfg.PredictionThreshold {
			continue
		}
		predicted = append(predicted, Case{
			ID:          "predicted-" + string(typ),
			Type:        typ,
			Criticality: SeverityLow,
			Impact:      SeverityLow,
			DetectedAt:  time.Now(),
			Local:       local,
			Remote:      remote,
			Description: "recurring conflict pattern",
			Predicted:   true,
		})
	}
	return predicted
}

// Recommend picks a strategy for the case: the allowed strategy with
// the best historical success record, falling back to table order.
func (e *Engine) Recommend(c Case) Strategy {
	allowed := e.strategies[c.Type]
	if len(allowed) == 0 {
		return StrategyManual
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	attempts := make(map[Strategy]int)
	successes := make(map[Strategy]int)
	for _, r := range e.history {
		if r.Case.Type != c.Type {
			continue
		}
		attempts[r.Strategy]++
		if r.Status == StatusResolved {
			successes[r.Strategy]++
		}
	}

	best := allowed[0]
	bestRate := -1.0
	for _, s := range allowed {
		if attempts[s] < 3 {
			continue // not enough signal
		}
		rate := float64(successes[s]) / float64(attempts[s])
		if rate > bestRate {
			best, bestRate = s, rate
		}
	}
	return best
}

// Resolve executes a strategy for the case. An empty strategy lets the
// recommender choose. Execution never retries; on success the case
// leaves the active set and enters history.
func (e *Engine) Resolve(caseID string, strategy Strategy) (Outcome, error) {
	e.mu.Lock()
	c, ok := e.active[caseID]
	if !ok {
		e.mu.Unlock()
		return Outcome{}, ErrCaseNotFound
	}
	snapshot := *c
	e.mu.Unlock()

	if strategy == "" {
		strategy = e.Recommend(snapshot)
	} else if !e.allowed(snapshot.Type, strategy) {
		return Outcome{}, ErrStrategyNotAllowed
	}

	exec, ok := e.executors[strategy]
	if !ok {
		return Outcome{}, ErrStrategyNotAllowed
	}

	out := exec(&snapshot)
	out.Strategy = strategy

	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, Resolution{
		Case:       snapshot,
		Strategy:   strategy,
		Status:     out.Status,
		ResolvedAt: time.Now(),
	})

	switch out.Status {
	case StatusResolved:
		delete(e.active, caseID)
		e.stats.Resolved++
		if strategy != StrategyManual && strategy != StrategyVoting {
			e.stats.Automated++
		}
	case StatusNeedsManual:
		e.stats.Manual++
		return out, ErrNeedsManualIntervention
	case StatusFailed:
		e.stats.Failed++
		return out, ErrResolutionFailed
	}

	return out, nil
}

// Fallback force-resolves a case with last-writer-wins, bypassing the
// per-type strategy table. Session policy invokes it for open sessions
// after the preferred strategy failed or needed a human.
func (e *Engine) Fallback(caseID string) (Outcome, error) {
	e.mu.Lock()
	c, ok := e.active[caseID]
	if !ok {
		e.mu.Unlock()
		return Outcome{}, ErrCaseNotFound
	}
	snapshot := *c
	e.mu.Unlock()

	out := e.execLastWriterWins(&snapshot)
	out.Strategy = StrategyLastWriterWins

	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, Resolution{
		Case:       snapshot,
		Strategy:   StrategyLastWriterWins,
		Status:     out.Status,
		ResolvedAt: time.Now(),
	})
	delete(e.active, caseID)
	e.stats.Resolved++
	e.stats.Automated++
	return out, nil
}

func (e *Engine) allowed(t Type, s Strategy) bool {
	for _, a := range e.strategies[t] {
		if a == s {
			return true
		}
	}
	return false
}

// Active returns the current unresolved cases, ranked.
func (e *Engine) Active() []Case {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Case, 0, len(e.active))
	for _, c := range e.active {
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Criticality != out[j].Criticality {
			return out[i].Criticality > out[j].Criticality
		}
		if out[i].Impact != out[j].Impact {
			return out[i].Impact > out[j].Impact
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// History returns all resolution attempts, oldest first.
func (e *Engine) History() []Resolution {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Resolution, len(e.history))
	copy(out, e.history)
	return out
}

// Statistics returns a snapshot of engine counters.
func (e *Engine) Statistics() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// StartSweep launches the background goroutine that drops active
// cases older than MaxCaseAge.
func (e *Engine) StartSweep() {
	e.mu.Lock()
	if e.stop != nil {
		e.mu.Unlock()
		return
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	stop, done := e.stop, e.done
	e.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.SweepStale(time.Now())
			case <-stop:
				return
			}
		}
	}()
}

// StopSweep stops the background sweep.
func (e *Engine) StopSweep() {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// SweepStale drops active cases older than MaxCaseAge as of now.
// Returns the number dropped.
func (e *Engine) SweepStale(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := 0
	for id, c := range e.active {
		if now.Sub(c.DetectedAt) > e.cfg.MaxCaseAge {
			delete(e.active, id)
			dropped++
		}
	}
	return dropped
}

// ========== Strategy executors ==========

// execAutoMerge merges the two data maps. Keys touched on one side
// only carry over; keys touched on both take the newer side.
func (e *Engine) execAutoMerge(c *Case) Outcome {
	merged := make(map[string]string, len(c.Local.Data)+len(c.Remote.Data))
	for k, v := range c.Local.Data {
		merged[k] = v
	}
	for k, rv := range c.Remote.Data {
		lv, ok := merged[k]
		if !ok || lv == rv {
			merged[k] = rv
			continue
		}
		if c.Remote.Timestamp.After(c.Local.Timestamp) {
			merged[k] = rv
		}
	}

	ctx := mergedContext(c, merged)
	return Outcome{Status: StatusResolved, Context: &ctx}
}

// execLastWriterWins keeps whichever side wrote most recently.
func (e *Engine) execLastWriterWins(c *Case) Outcome {
	winner := c.Local
	if c.Remote.Timestamp.After(c.Local.Timestamp) {
		winner = c.Remote
	}
	ctx := mergedContext(c, winner.Data)
	return Outcome{Status: StatusResolved, Context: &ctx}
}

// execFirstWriterWins keeps whichever side wrote first.
func (e *Engine) execFirstWriterWins(c *Case) Outcome {
	winner := c.Local
	if c.Remote.Timestamp.Before(c.Local.Timestamp) {
		winner = c.Remote
	}
	ctx := mergedContext(c, winner.Data)
	return Outcome{Status: StatusResolved, Context: &ctx}
}

// execSemanticMerge merges values where one side extends the other;
// anything else needs a human.
func (e *Engine) execSemanticMerge(c *Case) Outcome {
	merged := make(map[string]string, len(c.Local.Data))
	for k, v := range c.Local.Data {
		merged[k] = v
	}
	for k, rv := range c.Remote.Data {
		lv, ok := merged[k]
		if !ok || lv == rv {
			merged[k] = rv
			continue
		}
		switch {
		case len(rv) > len(lv) && rv[:len(lv)] == lv:
			merged[k] = rv // remote extends local
		case len(lv) > len(rv) && lv[:len(rv)] == rv:
			// local extends remote, keep local
		default:
			return Outcome{
				Status: StatusNeedsManual,
				Reason: "values for " + k + " diverge beyond extension",
			}
		}
	}

	ctx := mergedContext(c, merged)
	return Outcome{Status: StatusResolved, Context: &ctx}
}

// execRollback discards the remote change and keeps local state.
func (e *Engine) execRollback(c *Case) Outcome {
	ctx := mergedContext(c, c.Local.Data)
	return Outcome{Status: StatusResolved, Context: &ctx}
}

// execEscalate surfaces the case for a vote or a moderator.
func (e *Engine) execEscalate(c *Case) Outcome {
	return Outcome{
		Status: StatusNeedsManual,
		Reason: "escalated for participant decision",
	}
}

// mergedContext builds the resolved context: the winning data at one
// past the highest version either side saw.
func mergedContext(c *Case, data map[string]string) Context {
	version := c.Local.Version
	if c.Remote.Version > version {
		version = c.Remote.Version
	}

	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}

	return Context{
		SessionID: c.Local.SessionID,
		SenderID:  c.Local.SenderID,
		Version:   version + 1,
		Timestamp: time.Now(),
		Data:      out,
	}
}
