package antigravity

import (
	"math"
	"sync"
	"time"
)

// HealthScoreConfig configures the health score system.
type HealthScoreConfig struct {
	Initial             int     `json:"initial"`
	SuccessReward       int     `json:"success_reward"`
	RateLimitPenalty    int     `json:"rate_limit_penalty"`
	FailurePenalty      int     `json:"failure_penalty"`
	RecoveryRatePerHour float64 `json:"recovery_rate_per_hour"`
	MinUsable           int     `json:"min_usable"`
	MaxScore            int     `json:"max_score"`
}

// DefaultHealthScoreConfig returns the stock scoring parameters.
func DefaultHealthScoreConfig() HealthScoreConfig {
	return HealthScoreConfig{
		Initial:             70,
		SuccessReward:       1,
		RateLimitPenalty:    15,
		FailurePenalty:      25,
		RecoveryRatePerHour: 5,
		MinUsable:           30,
		MaxScore:            100,
	}
}

// HealthTracker tracks per-account health scores. Scores recover
// passively over time so a benched account eventually re-enters the
// rotation.
type HealthTracker struct {
	scores              map[int]int
	lastUpdates         map[int]time.Time
	initial             int
	successReward       int
	rateLimitPenalty    int
	failurePenalty      int
	recoveryRatePerHour float64
	minUsable           int
	maxScore            int
	mu                  sync.Mutex
}

// NewHealthTracker creates a health tracker.
func NewHealthTracker(config HealthScoreConfig) *HealthTracker {
	return &HealthTracker{
		scores:              make(map[int]int),
		lastUpdates:         make(map[int]time.Time),
		initial:             config.Initial,
		successReward:       config.SuccessReward,
		rateLimitPenalty:    config.RateLimitPenalty,
		failurePenalty:      config.FailurePenalty,
		recoveryRatePerHour: config.RecoveryRatePerHour,
		minUsable:           config.MinUsable,
		maxScore:            config.MaxScore,
	}
}

// GetScore returns the effective score for an account index, applying
// any time-based recovery first.
func (ht *HealthTracker) GetScore(index int) int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.getScoreLocked(index)
}

// IsUsable reports whether the score clears the usable floor.
func (ht *HealthTracker) IsUsable(index int) bool {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.getScoreLocked(index) >= ht.minUsable
}

func (ht *HealthTracker) getScoreLocked(index int) int {
	score, ok := ht.scores[index]
	if !ok {
		score = ht.initial
		ht.scores[index] = score
		ht.lastUpdates[index] = time.Now()
		return score
	}

	hoursSinceUpdate := time.Since(ht.lastUpdates[index]).Hours()
	recovered := int(hoursSinceUpdate * ht.recoveryRatePerHour)
	if recovered > 0 {
		score += recovered
		if score > ht.maxScore {
			score = ht.maxScore
		}
		ht.scores[index] = score
		ht.lastUpdates[index] = time.Now()
	}

	return score
}

// RecordSuccess boosts the score.
func (ht *HealthTracker) RecordSuccess(index int) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	score := ht.getScoreLocked(index) + ht.successReward
	if score > ht.maxScore {
		score = ht.maxScore
	}
	ht.scores[index] = score
	ht.lastUpdates[index] = time.Now()
}

// RecordRateLimit penalizes the score for a quota hit.
func (ht *HealthTracker) RecordRateLimit(index int) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	score := ht.getScoreLocked(index) - ht.rateLimitPenalty
	if score < 0 {
		score = 0
	}
	ht.scores[index] = score
	ht.lastUpdates[index] = time.Now()
}

// RecordFailure penalizes the score for a hard failure.
func (ht *HealthTracker) RecordFailure(index int) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	score := ht.getScoreLocked(index) - ht.failurePenalty
	if score < 0 {
		score = 0
	}
	ht.scores[index] = score
	ht.lastUpdates[index] = time.Now()
}

// TokenTracker is a per-account token bucket used by the hybrid
// scheduler to spread bursts across accounts.
type TokenTracker struct {
	tokens                    map[int]int
	lastUpdates               map[int]time.Time
	maxTokens                 int
	regenerationRatePerMinute float64
	initialTokens             int
	mu                        sync.Mutex
}

// NewTokenTracker creates a token tracker.
func NewTokenTracker(maxTokens int, rate float64, initial int) *TokenTracker {
	return &TokenTracker{
		tokens:                    make(map[int]int),
		lastUpdates:               make(map[int]time.Time),
		maxTokens:                 maxTokens,
		regenerationRatePerMinute: rate,
		initialTokens:             initial,
	}
}

// Consume attempts to take a token. Returns false when the bucket is
// empty.
func (tt *TokenTracker) Consume(index int) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	tt.regenerate(index)

	if tt.tokens[index] > 0 {
		tt.tokens[index]--
		return true
	}
	return false
}

// Refund returns a token, e.g. when the upstream rejected the request
// before doing any work.
func (tt *TokenTracker) Refund(index int) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	tt.regenerate(index)

	if tt.tokens[index] < tt.maxTokens {
		tt.tokens[index]++
	}
}

func (tt *TokenTracker) regenerate(index int) {
	now := time.Now()
	lastUpdate, ok := tt.lastUpdates[index]
	if !ok {
		tt.tokens[index] = tt.initialTokens
		tt.lastUpdates[index] = now
		return
	}

	minutesPassed := now.Sub(lastUpdate).Minutes()
	regenerated := int(minutesPassed * tt.regenerationRatePerMinute)
	if regenerated > 0 {
		tt.tokens[index] = int(math.Min(float64(tt.maxTokens), float64(tt.tokens[index]+regenerated)))
		tt.lastUpdates[index] = now
	}
}

// AccountWithMetrics holds the transient state the hybrid selector
// scores against.
type AccountWithMetrics struct {
	Index         int
	LastUsed      time.Time
	HealthScore   int
	IsRateLimited bool
	IsCoolingDown bool
}

// SelectHybridAccount picks the best usable account: health dominates,
// with a small freshness bonus for accounts that have rested. Returns
// -1 when nothing is usable.
func SelectHybridAccount(candidates []AccountWithMetrics, tokenTracker *TokenTracker) int {
	var bestCandidate *AccountWithMetrics
	bestScore := -1.0

	for i := range candidates {
		cand := &candidates[i]
		if cand.IsRateLimited || cand.IsCoolingDown {
			continue
		}

		// Probe the bucket; selection itself is not consumption.
		if !tokenTracker.Consume(cand.Index) {
			continue
		}
		tokenTracker.Refund(cand.Index)

		healthFactor := float64(cand.HealthScore) * 3.0
		freshnessBonus := math.Min(time.Since(cand.LastUsed).Seconds(), 3600) * 0.01
		score := healthFactor + freshnessBonus

		if score > bestScore {
			bestScore = score
			bestCandidate = cand
		}
	}

	if bestCandidate != nil {
		return bestCandidate.Index
	}
	return -1
}
