package antigravity

import (
	"testing"
	"time"
)

func TestHealthTracker(t *testing.T) {
	cfg := DefaultHealthScoreConfig()
	cfg.Initial = 50
	cfg.RecoveryRatePerHour = 10

	ht := NewHealthTracker(cfg)

	if score := ht.GetScore(0); score != 50 {
		t.Errorf("Expected initial 50, got %d", score)
	}

	ht.RecordSuccess(0)
	if score := ht.GetScore(0); score != 51 {
		t.Errorf("Expected 51 after success, got %d", score)
	}

	ht.RecordFailure(0)
	if score := ht.GetScore(0); score != 26 {
		t.Errorf("Expected 26 after failure, got %d", score)
	}

	ht.RecordRateLimit(0)
	if score := ht.GetScore(0); score != 11 {
		t.Errorf("Expected 11 after rate limit, got %d", score)
	}
}

func TestHealthTracker_UsableFloor(t *testing.T) {
	ht := NewHealthTracker(DefaultHealthScoreConfig())

	if !ht.IsUsable(0) {
		t.Error("Fresh account should be usable")
	}

	// 70 - 25 - 25 = 20, below the floor of 30.
	ht.RecordFailure(0)
	ht.RecordFailure(0)
	if ht.IsUsable(0) {
		t.Errorf("Score %d should be below the usable floor", ht.GetScore(0))
	}
}

func TestHealthTracker_ScoreIsCapped(t *testing.T) {
	ht := NewHealthTracker(DefaultHealthScoreConfig())

	for i := 0; i < 50; i++ {
		ht.RecordSuccess(0)
	}
	if score := ht.GetScore(0); score != 100 {
		t.Errorf("Expected cap at 100, got %d", score)
	}
}

func TestTokenTracker(t *testing.T) {
	// 5 tokens max, 60 per minute.
	tt := NewTokenTracker(5, 60.0, 5)

	for i := 0; i < 5; i++ {
		if !tt.Consume(0) {
			t.Errorf("Failed to consume token %d", i)
		}
	}

	if tt.Consume(0) {
		t.Error("Should be exhausted")
	}

	tt.Refund(0)
	if !tt.Consume(0) {
		t.Error("Should be able to consume after refund")
	}
}

func TestSelectHybridAccount(t *testing.T) {
	tt := NewTokenTracker(10, 10, 10)

	candidates := []AccountWithMetrics{
		{Index: 0, HealthScore: 10, LastUsed: time.Now()},
		{Index: 1, HealthScore: 90, LastUsed: time.Now()},
		{Index: 2, HealthScore: 100, LastUsed: time.Now(), IsRateLimited: true},
	}

	if selected := SelectHybridAccount(candidates, tt); selected != 1 {
		t.Errorf("Expected account 1 (healthy), got %d", selected)
	}
}

func TestSelectHybridAccount_NothingUsable(t *testing.T) {
	tt := NewTokenTracker(10, 10, 10)

	candidates := []AccountWithMetrics{
		{Index: 0, HealthScore: 90, IsRateLimited: true},
		{Index: 1, HealthScore: 90, IsCoolingDown: true},
	}

	if selected := SelectHybridAccount(candidates, tt); selected != -1 {
		t.Errorf("Expected -1, got %d", selected)
	}
}
