package routing

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ModelPriority selects whether a fallback walk exhausts accounts on the
// best model first or rotates models as soon as one runs out of capacity.
type ModelPriority string

const (
	AccuracyFirst ModelPriority = "accuracy_first"
	CapacityFirst ModelPriority = "capacity_first"
)

// Stickiness controls how hard the scheduler holds on to the account that
// served the previous request in a conversation.
type Stickiness string

const (
	StickinessStrong Stickiness = "strong"
	StickinessWeak   Stickiness = "weak"
)

// FallbackPolicy governs how far a route plan may walk its candidates.
// MaxModelHops of zero means no cap.
type FallbackPolicy struct {
	ModelPriority ModelPriority `json:"model_priority" yaml:"model_priority"`
	Stickiness    Stickiness    `json:"stickiness" yaml:"stickiness"`
	MaxModelHops  int           `json:"max_model_hops,omitempty" yaml:"max_model_hops,omitempty"`
}

// DefaultPolicy is what plans get when no strategy supplies one.
func DefaultPolicy() FallbackPolicy {
	return FallbackPolicy{ModelPriority: AccuracyFirst, Stickiness: StickinessStrong}
}

// withDefaults fills fields a config file left empty.
func (p FallbackPolicy) withDefaults() FallbackPolicy {
	if p.ModelPriority == "" {
		p.ModelPriority = AccuracyFirst
	}
	if p.Stickiness == "" {
		p.Stickiness = StickinessStrong
	}
	return p
}

// Strategy names an ordered candidate list with its fallback policy.
// Mappings point at one with a "strategy:<id>" target.
type Strategy struct {
	Candidates []string       `json:"candidates" yaml:"candidates"`
	Policy     FallbackPolicy `json:"policy" yaml:"policy"`
}

// Tables carries the configured mapping layers consulted during
// resolution.
type Tables struct {
	Custom     map[string]string
	OpenAI     map[string]string
	Anthropic  map[string]string
	Strategies map[string]Strategy
}

// RoutePlan is the resolved dispatch order for one request.
type RoutePlan struct {
	Primary    string
	Fallbacks  []string
	Policy     FallbackPolicy
	StrategyID string
}

// Candidates returns the non-empty models in dispatch order.
func (p RoutePlan) Candidates() []string {
	list := make([]string, 0, 1+len(p.Fallbacks))
	if p.Primary != "" {
		list = append(list, p.Primary)
	}
	for _, fb := range p.Fallbacks {
		if fb != "" {
			list = append(list, fb)
		}
	}
	return list
}

// MaxModels caps the candidate walk at the policy's hop budget.
func (p RoutePlan) MaxModels() int {
	count := len(p.Candidates())
	if p.Policy.MaxModelHops > 0 {
		return min(p.Policy.MaxModelHops, count)
	}
	return max(count, 1)
}

// IsCapacityFirst reports whether the plan rotates models before draining
// every account on the current one.
func (p RoutePlan) IsCapacityFirst() bool {
	return p.Policy.ModelPriority == CapacityFirst
}

// Resolver applies the configured mapping layers. Safe for concurrent
// use; Swap replaces the tables when the config reloads.
type Resolver struct {
	mu     sync.RWMutex
	tables Tables
	logger *zap.Logger
}

// NewResolver builds a resolver over the given tables.
func NewResolver(tables Tables, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{tables: tables, logger: logger}
}

// Swap atomically replaces the mapping tables.
func (r *Resolver) Swap(tables Tables) {
	r.mu.Lock()
	r.tables = tables
	r.mu.Unlock()
}

// Resolve maps a requested model id to a single upstream target.
// applyClaudeFamily enables the claude family grouping (and the haiku
// downgrade) used for CLI traffic; GUI clients pass their claude ids
// through so they keep exact control.
func (r *Resolver) Resolve(model string, applyClaudeFamily bool) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(model, applyClaudeFamily)
}

func (r *Resolver) resolveLocked(model string, applyClaudeFamily bool) string {
	t := r.tables

	if target, ok := t.Custom[model]; ok {
		r.logger.Debug("custom exact mapping", zap.String("model", model), zap.String("target", target))
		return target
	}
	for pattern, target := range t.Custom {
		if strings.Contains(pattern, "*") && wildcardMatch(pattern, model) {
			r.logger.Debug("custom wildcard mapping",
				zap.String("model", model), zap.String("target", target), zap.String("pattern", pattern))
			return target
		}
	}

	lower := strings.ToLower(model)

	// GPT-4 classic series, including the o1/o3 reasoning ids. The
	// substring excludes keep 4o, mini and turbo for the next group.
	if (strings.HasPrefix(lower, "gpt-4") && !strings.Contains(lower, "o") &&
		!strings.Contains(lower, "mini") && !strings.Contains(lower, "turbo")) ||
		strings.HasPrefix(lower, "o1-") || strings.HasPrefix(lower, "o3-") {
		if target, ok := t.OpenAI["gpt-4-series"]; ok {
			r.logger.Debug("gpt-4 series mapping", zap.String("model", model), zap.String("target", target))
			return target
		}
	}

	// GPT-4o / 3.5 series: the balanced and lightweight ids.
	if strings.Contains(lower, "4o") || strings.HasPrefix(lower, "gpt-3.5") ||
		(strings.Contains(lower, "mini") && !strings.Contains(lower, "gemini")) ||
		strings.Contains(lower, "turbo") {
		if target, ok := t.OpenAI["gpt-4o-series"]; ok {
			r.logger.Debug("gpt-4o series mapping", zap.String("model", model), zap.String("target", target))
			return target
		}
	}

	// GPT-5 series falls back to the gpt-4 series mapping when unset.
	if strings.HasPrefix(lower, "gpt-5") {
		if target, ok := t.OpenAI["gpt-5-series"]; ok {
			r.logger.Debug("gpt-5 series mapping", zap.String("model", model), zap.String("target", target))
			return target
		}
		if target, ok := t.OpenAI["gpt-4-series"]; ok {
			r.logger.Debug("gpt-5 series mapping via gpt-4 series", zap.String("model", model), zap.String("target", target))
			return target
		}
	}

	if strings.HasPrefix(lower, "claude-") {
		// Builtin identity rows pass through untouched regardless of
		// family configuration.
		if target, ok := builtinTargets[model]; ok && target == model {
			r.logger.Debug("builtin passthrough", zap.String("model", model))
			return model
		}

		if applyClaudeFamily && strings.Contains(lower, "haiku") {
			r.logger.Debug("haiku downgrade", zap.String("model", model), zap.String("target", "gemini-2.5-flash-lite"))
			return "gemini-2.5-flash-lite"
		}

		familyKey := "claude-default"
		switch {
		case strings.Contains(lower, "4-5") || strings.Contains(lower, "4.5"):
			familyKey = "claude-4.5-series"
		case strings.Contains(lower, "3-5") || strings.Contains(lower, "3.5"):
			familyKey = "claude-3.5-series"
		}
		if target, ok := t.Anthropic[familyKey]; ok {
			r.logger.Warn("anthropic family mapping",
				zap.String("model", model), zap.String("family", familyKey), zap.String("target", target))
			return target
		}

		// Legacy exact entries predate the family keys.
		if target, ok := t.Anthropic[model]; ok {
			return target
		}
	}

	result := MapDefault(model)
	if result != model {
		r.logger.Debug("default mapping", zap.String("model", model), zap.String("target", result))
	}
	return result
}

// Plan resolves a model id into a full route plan, expanding
// "strategy:<id>" targets. Unknown or empty strategies fall back to the
// default mapping with the default policy.
func (r *Resolver) Plan(model string, applyClaudeFamily bool) RoutePlan {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target := r.resolveLocked(model, applyClaudeFamily)
	id, isStrategy := strings.CutPrefix(target, "strategy:")
	if !isStrategy {
		return RoutePlan{Primary: target, Policy: DefaultPolicy()}
	}

	if strat, ok := r.tables.Strategies[id]; ok {
		candidates := make([]string, 0, len(strat.Candidates))
		for _, c := range strat.Candidates {
			c = strings.TrimSpace(c)
			if c == "" || strings.HasPrefix(c, "strategy:") {
				continue
			}
			candidates = append(candidates, c)
		}
		if len(candidates) > 0 {
			return RoutePlan{
				Primary:    candidates[0],
				Fallbacks:  candidates[1:],
				Policy:     strat.Policy.withDefaults(),
				StrategyID: id,
			}
		}
		r.logger.Warn("strategy has no valid candidates, using default mapping", zap.String("strategy", id))
	} else {
		r.logger.Warn("strategy not found, using default mapping", zap.String("strategy", id))
	}

	return RoutePlan{Primary: MapDefault(model), Policy: DefaultPolicy()}
}

// Models returns every advertisable model id: builtin keys, custom
// mapping keys, the pinned ids, and the image generation grid, sorted.
func (r *Resolver) Models() []string {
	ids := make(map[string]struct{}, len(builtinTargets)+32)
	for k := range builtinTargets {
		ids[k] = struct{}{}
	}

	r.mu.RLock()
	for k := range r.tables.Custom {
		ids[k] = struct{}{}
	}
	r.mu.RUnlock()

	for _, pinned := range pinnedModelIDs {
		ids[pinned] = struct{}{}
	}
	for _, id := range imageModelIDs() {
		ids[id] = struct{}{}
	}

	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
