// Package antigravity manages Google accounts for the Antigravity
// backend: OAuth tokens, rotation across quota pools, and the on-disk
// store shared with other Antigravity clients.
package antigravity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoUsableAccount means no account can take the request right
	// now, either because none are configured or all are benched.
	ErrNoUsableAccount = errors.New("no usable antigravity account")

	// ErrAccountNotFound means the selector matched nothing.
	ErrAccountNotFound = errors.New("account not found")
)

// QuotaKey identifies a quota pool. Rate limits are tracked per pool,
// so a claude 429 does not bench the account for gemini traffic.
type QuotaKey = string

const (
	QuotaClaude            QuotaKey = "claude"
	QuotaGeminiAntigravity QuotaKey = "gemini-antigravity"
	QuotaGeminiCLI         QuotaKey = "gemini-cli"
)

// Account is a stored Google account.
type Account struct {
	Index            int       `json:"index"`
	Email            string    `json:"email"`
	RefreshToken     string    `json:"refreshToken"`
	AccessToken      string    `json:"accessToken,omitempty"`
	AccessExpiry     time.Time `json:"-"`
	ProjectID        string    `json:"projectId,omitempty"`
	ManagedProjectID string    `json:"managedProjectId,omitempty"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
	LastUsed  time.Time `json:"-"`

	RateLimitResetTimes map[string]time.Time `json:"-"`
	CoolingDownUntil    time.Time            `json:"-"`
	CooldownReason      string               `json:"cooldownReason,omitempty"`
	ConsecutiveFailures int                  `json:"consecutiveFailures,omitempty"`
}

// plainAccount drops Account's marshal methods so the wire struct can
// embed it without recursing back into them.
type plainAccount Account

// accountJSON is the disk form. Timestamps are Unix milliseconds to
// stay byte-compatible with the TypeScript clients sharing the file.
type accountJSON struct {
	plainAccount
	AccessExpiry        int64              `json:"accessExpiry,omitempty"`
	AddedAt             int64              `json:"addedAt"`
	UpdatedAt           int64              `json:"updatedAt"`
	LastUsed            int64              `json:"lastUsed,omitempty"`
	RateLimitResetTimes map[string]float64 `json:"rateLimitResetTimes,omitempty"`
	CoolingDownUntil    int64              `json:"coolingDownUntil,omitempty"`
}

// unixMilli converts to wire milliseconds, keeping zero times at 0 so
// omitempty drops them instead of writing a pre-epoch value.
func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (a *Account) MarshalJSON() ([]byte, error) {
	resetTimes := make(map[string]float64, len(a.RateLimitResetTimes))
	for k, v := range a.RateLimitResetTimes {
		resetTimes[k] = float64(v.UnixMilli())
	}

	return json.Marshal(accountJSON{
		plainAccount:        plainAccount(*a),
		AccessExpiry:        unixMilli(a.AccessExpiry),
		AddedAt:             unixMilli(a.CreatedAt),
		UpdatedAt:           unixMilli(a.UpdatedAt),
		LastUsed:            unixMilli(a.LastUsed),
		RateLimitResetTimes: resetTimes,
		CoolingDownUntil:    unixMilli(a.CoolingDownUntil),
	})
}

func (a *Account) UnmarshalJSON(data []byte) error {
	var aux accountJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*a = Account(aux.plainAccount)
	if aux.AccessExpiry > 0 {
		a.AccessExpiry = time.UnixMilli(aux.AccessExpiry)
	}
	if aux.AddedAt > 0 {
		a.CreatedAt = time.UnixMilli(aux.AddedAt)
	}
	if aux.UpdatedAt > 0 {
		a.UpdatedAt = time.UnixMilli(aux.UpdatedAt)
	}
	if aux.LastUsed > 0 {
		a.LastUsed = time.UnixMilli(aux.LastUsed)
	}
	if aux.CoolingDownUntil > 0 {
		a.CoolingDownUntil = time.UnixMilli(aux.CoolingDownUntil)
	}

	a.RateLimitResetTimes = make(map[string]time.Time, len(aux.RateLimitResetTimes))
	for k, v := range aux.RateLimitResetTimes {
		a.RateLimitResetTimes[k] = time.UnixMilli(int64(v))
	}

	return nil
}

// IsAccessTokenExpired reports whether the access token needs a refresh,
// with a 60s safety margin.
func (a *Account) IsAccessTokenExpired() bool {
	if a.AccessToken == "" {
		return true
	}
	return time.Now().Add(60 * time.Second).After(a.AccessExpiry)
}

// IsRateLimited reports whether the account is benched for a quota pool.
// Expired entries are dropped on the way out.
func (a *Account) IsRateLimited(quotaKey string) bool {
	if a.RateLimitResetTimes == nil {
		return false
	}
	resetTime, ok := a.RateLimitResetTimes[quotaKey]
	if !ok {
		return false
	}
	if time.Now().After(resetTime) {
		delete(a.RateLimitResetTimes, quotaKey)
		return false
	}
	return true
}

// IsCoolingDown reports whether the account is in a failure cooldown.
func (a *Account) IsCoolingDown() bool {
	return time.Now().Before(a.CoolingDownUntil)
}

// AccountStorageV3 is the on-disk format.
type AccountStorageV3 struct {
	Version             int            `json:"version"`
	Accounts            []*Account     `json:"accounts"`
	ActiveIndex         int            `json:"activeIndex"`
	ActiveIndexByFamily map[string]int `json:"activeIndexByFamily"`
}

// AccountStatus is a read-only snapshot of one account, for the CLI and
// the dashboard.
type AccountStatus struct {
	Index        int
	Email        string
	Active       bool
	HealthScore  int
	Failures     int
	CoolingDown  bool
	LimitedPools []string
	TokenExpired bool
	LastUsed     time.Time
}

// AccountManager owns the account list and the rotation state.
type AccountManager struct {
	filePath            string
	accounts            []*Account
	activeIndex         int
	activeIndexByFamily map[string]int

	healthTracker *HealthTracker
	tokenTracker  *TokenTracker
	logger        *zap.Logger

	mu sync.RWMutex
}

// DefaultAccountsPath returns the shared account store location.
func DefaultAccountsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".agtools", "accounts.json"), nil
}

// NewAccountManager creates a manager backed by the given file. An
// empty path selects the default store under ~/.agtools.
func NewAccountManager(path string, logger *zap.Logger) (*AccountManager, error) {
	if path == "" {
		var err error
		path, err = DefaultAccountsPath()
		if err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	am := &AccountManager{
		filePath:            path,
		accounts:            make([]*Account, 0),
		activeIndexByFamily: make(map[string]int),
		healthTracker:       NewHealthTracker(DefaultHealthScoreConfig()),
		tokenTracker:        NewTokenTracker(100, 10.0, 100),
		logger:              logger,
	}

	if err := am.Load(); err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to load accounts, starting empty", zap.Error(err))
		}
	}

	return am, nil
}

// Load reads the account store from disk. V3 is the native format; a
// bare account list from older clients is accepted and upgraded on the
// next save.
func (am *AccountManager) Load() error {
	am.mu.Lock()
	defer am.mu.Unlock()

	data, err := os.ReadFile(am.filePath)
	if err != nil {
		return err
	}

	var storage AccountStorageV3
	if err := json.Unmarshal(data, &storage); err == nil && storage.Version == 3 {
		am.accounts = storage.Accounts
		am.activeIndex = storage.ActiveIndex
		am.activeIndexByFamily = storage.ActiveIndexByFamily
		if am.activeIndexByFamily == nil {
			am.activeIndexByFamily = make(map[string]int)
		}
		am.reindexLocked()
		return nil
	}

	var legacyAccounts []*Account
	if err := json.Unmarshal(data, &legacyAccounts); err == nil {
		am.accounts = legacyAccounts
		am.activeIndex = 0
		am.activeIndexByFamily = make(map[string]int)
		am.reindexLocked()
		return nil
	}

	return fmt.Errorf("unknown account file format")
}

func (am *AccountManager) reindexLocked() {
	for i, acc := range am.accounts {
		acc.Index = i
		if acc.RateLimitResetTimes == nil {
			acc.RateLimitResetTimes = make(map[string]time.Time)
		}
	}
	if am.activeIndex >= len(am.accounts) {
		am.activeIndex = 0
	}
}

// Save writes the account store to disk.
func (am *AccountManager) Save() error {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return am.saveLocked()
}

// saveLocked writes the store; the caller must hold at least the read
// lock.
func (am *AccountManager) saveLocked() error {
	storage := AccountStorageV3{
		Version:             3,
		Accounts:            am.accounts,
		ActiveIndex:         am.activeIndex,
		ActiveIndexByFamily: am.activeIndexByFamily,
	}

	data, err := json.MarshalIndent(storage, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(am.filePath), 0755); err != nil {
		return err
	}

	return os.WriteFile(am.filePath, data, 0600)
}

// AddAccount adds an account, or refreshes the stored credentials when
// the email is already known.
func (am *AccountManager) AddAccount(account *Account) error {
	if account == nil || account.Email == "" {
		return fmt.Errorf("account requires an email")
	}

	am.mu.Lock()
	defer am.mu.Unlock()

	for _, existing := range am.accounts {
		if existing.Email == account.Email {
			existing.RefreshToken = account.RefreshToken
			existing.AccessToken = account.AccessToken
			existing.AccessExpiry = account.AccessExpiry
			existing.UpdatedAt = time.Now()
			if account.ProjectID != "" {
				existing.ProjectID = account.ProjectID
			}
			if account.ManagedProjectID != "" {
				existing.ManagedProjectID = account.ManagedProjectID
			}
			return am.saveLocked()
		}
	}

	account.Index = len(am.accounts)
	account.CreatedAt = time.Now()
	account.UpdatedAt = time.Now()
	account.RateLimitResetTimes = make(map[string]time.Time)
	am.accounts = append(am.accounts, account)

	return am.saveLocked()
}

// DeleteAccount removes an account by email.
func (am *AccountManager) DeleteAccount(email string) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	idx := -1
	for i, acc := range am.accounts {
		if acc.Email == email {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("%w: %q", ErrAccountNotFound, email)
	}

	am.accounts = append(am.accounts[:idx], am.accounts[idx+1:]...)
	am.reindexLocked()

	for k, v := range am.activeIndexByFamily {
		if v >= len(am.accounts) {
			am.activeIndexByFamily[k] = 0
		}
	}

	return am.saveLocked()
}

// GetAccount retrieves an account by email.
func (am *AccountManager) GetAccount(email string) *Account {
	am.mu.RLock()
	defer am.mu.RUnlock()
	for _, acc := range am.accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

// ListAccounts returns all accounts in index order.
func (am *AccountManager) ListAccounts() []*Account {
	am.mu.RLock()
	defer am.mu.RUnlock()
	result := make([]*Account, len(am.accounts))
	copy(result, am.accounts)
	return result
}

// Count returns the number of stored accounts.
func (am *AccountManager) Count() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.accounts)
}

// SetActive pins the active account. The selector matches an index, an
// exact email, or a unique email prefix.
func (am *AccountManager) SetActive(selector string) (*Account, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if len(am.accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}

	idx := -1
	if n, err := strconv.Atoi(selector); err == nil {
		if n < 0 || n >= len(am.accounts) {
			return nil, fmt.Errorf("account index %d out of range", n)
		}
		idx = n
	} else {
		sel := strings.ToLower(selector)
		for i, acc := range am.accounts {
			email := strings.ToLower(acc.Email)
			if email == sel {
				idx = i
				break
			}
			if strings.HasPrefix(email, sel) {
				if idx != -1 {
					return nil, fmt.Errorf("selector %q is ambiguous", selector)
				}
				idx = i
			}
		}
		if idx == -1 {
			return nil, fmt.Errorf("%w: no account matches %q", ErrAccountNotFound, selector)
		}
	}

	am.activeIndex = idx
	// Future family lookups restart from the pinned account.
	for k := range am.activeIndexByFamily {
		am.activeIndexByFamily[k] = idx
	}

	if err := am.saveLocked(); err != nil {
		return nil, err
	}
	return am.accounts[idx], nil
}

// ActiveIndex returns the pinned account index.
func (am *AccountManager) ActiveIndex() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return am.activeIndex
}

// Statuses returns a snapshot of every account with its health state.
func (am *AccountManager) Statuses() []AccountStatus {
	am.mu.RLock()
	defer am.mu.RUnlock()

	now := time.Now()
	out := make([]AccountStatus, len(am.accounts))
	for i, acc := range am.accounts {
		var limited []string
		for pool, until := range acc.RateLimitResetTimes {
			if now.Before(until) {
				limited = append(limited, pool)
			}
		}
		out[i] = AccountStatus{
			Index:        acc.Index,
			Email:        acc.Email,
			Active:       i == am.activeIndex,
			HealthScore:  am.healthTracker.GetScore(acc.Index),
			Failures:     acc.ConsecutiveFailures,
			CoolingDown:  acc.IsCoolingDown(),
			LimitedPools: limited,
			TokenExpired: acc.IsAccessTokenExpired(),
			LastUsed:     acc.LastUsed,
		}
	}
	return out
}

// GetCurrentOrNextForFamily selects an account for a model family using
// the configured scheduling mode: sticky keeps the current account
// while it is usable, round-robin advances every call, hybrid weighs
// health and recency.
func (am *AccountManager) GetCurrentOrNextForFamily(family, model, mode string) (*Account, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if len(am.accounts) == 0 {
		return nil, fmt.Errorf("%w: none configured", ErrNoUsableAccount)
	}

	quotaKey := GetQuotaKey(model, GetHeaderStyle(model))

	if mode == "hybrid" {
		candidates := make([]AccountWithMetrics, len(am.accounts))
		for i, acc := range am.accounts {
			candidates[i] = AccountWithMetrics{
				Index:         acc.Index,
				LastUsed:      acc.LastUsed,
				HealthScore:   am.healthTracker.GetScore(acc.Index),
				IsRateLimited: acc.IsRateLimited(quotaKey),
				IsCoolingDown: acc.IsCoolingDown(),
			}
		}

		if idx := SelectHybridAccount(candidates, am.tokenTracker); idx >= 0 {
			selected := am.accounts[idx]
			selected.LastUsed = time.Now()
			am.activeIndexByFamily[family] = idx
			if err := am.saveLocked(); err != nil {
				am.logger.Warn("failed to persist account selection", zap.Error(err))
			}
			return selected, nil
		}
		return nil, fmt.Errorf("%w: all rate limited or cooling down", ErrNoUsableAccount)
	}

	currentIndex, ok := am.activeIndexByFamily[family]
	if !ok {
		currentIndex = am.activeIndex
	}

	if mode != "round-robin" && currentIndex >= 0 && currentIndex < len(am.accounts) {
		current := am.accounts[currentIndex]
		if !current.IsRateLimited(quotaKey) && !current.IsCoolingDown() {
			current.LastUsed = time.Now()
			return current, nil
		}
	}

	for i := 0; i < len(am.accounts); i++ {
		idx := (currentIndex + 1 + i) % len(am.accounts)
		candidate := am.accounts[idx]
		if !candidate.IsRateLimited(quotaKey) && !candidate.IsCoolingDown() {
			am.activeIndexByFamily[family] = idx
			candidate.LastUsed = time.Now()
			if err := am.saveLocked(); err != nil {
				am.logger.Warn("failed to persist account selection", zap.Error(err))
			}
			return candidate, nil
		}
	}

	return nil, fmt.Errorf("%w: all rate limited or cooling down", ErrNoUsableAccount)
}

// MarkRateLimited benches an account for one quota pool.
func (am *AccountManager) MarkRateLimited(index int, quotaKey string, retryAfter time.Duration) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if index < 0 || index >= len(am.accounts) {
		return
	}

	acc := am.accounts[index]
	if acc.RateLimitResetTimes == nil {
		acc.RateLimitResetTimes = make(map[string]time.Time)
	}
	acc.RateLimitResetTimes[quotaKey] = time.Now().Add(retryAfter)
	acc.ConsecutiveFailures++

	am.healthTracker.RecordRateLimit(index)
	am.logger.Debug("account rate limited",
		zap.String("email", acc.Email),
		zap.String("pool", quotaKey),
		zap.Duration("retry_after", retryAfter))

	if err := am.saveLocked(); err != nil {
		am.logger.Warn("failed to persist rate limit state", zap.Error(err))
	}
}

// MarkSuccess records a completed request and clears the failure streak.
func (am *AccountManager) MarkSuccess(index int) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if index < 0 || index >= len(am.accounts) {
		return
	}

	acc := am.accounts[index]
	acc.ConsecutiveFailures = 0
	acc.CooldownReason = ""

	am.healthTracker.RecordSuccess(index)

	if err := am.saveLocked(); err != nil {
		am.logger.Warn("failed to persist account state", zap.Error(err))
	}
}

// MarkFailure records a non-quota failure. Three strikes start an
// exponential cooldown, doubling from 30s up to 15m.
func (am *AccountManager) MarkFailure(index int, reason string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if index < 0 || index >= len(am.accounts) {
		return
	}

	acc := am.accounts[index]
	acc.ConsecutiveFailures++
	am.healthTracker.RecordFailure(index)

	if acc.ConsecutiveFailures >= 3 {
		shift := acc.ConsecutiveFailures - 3
		if shift > 5 {
			shift = 5
		}
		backoff := 30 * time.Second << uint(shift)
		if backoff > 15*time.Minute {
			backoff = 15 * time.Minute
		}
		acc.CoolingDownUntil = time.Now().Add(backoff)
		acc.CooldownReason = reason
		am.logger.Warn("account cooling down",
			zap.String("email", acc.Email),
			zap.Duration("backoff", backoff),
			zap.String("reason", reason))
	}

	if err := am.saveLocked(); err != nil {
		am.logger.Warn("failed to persist failure state", zap.Error(err))
	}
}

// EnsureAccessToken returns a non-expired access token for the account,
// refreshing and persisting it when needed.
func (am *AccountManager) EnsureAccessToken(ctx context.Context, acc *Account) (string, error) {
	am.mu.RLock()
	expired := acc.IsAccessTokenExpired()
	token := acc.AccessToken
	refresh := acc.RefreshToken
	am.mu.RUnlock()

	if !expired {
		return token, nil
	}
	if refresh == "" {
		return "", fmt.Errorf("account %s has no refresh token", acc.Email)
	}

	fresh, err := RefreshToken(ctx, refresh)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token for %s: %w", acc.Email, err)
	}

	am.mu.Lock()
	acc.AccessToken = fresh.AccessToken
	acc.AccessExpiry = fresh.Expiry
	if fresh.RefreshToken != "" {
		acc.RefreshToken = fresh.RefreshToken
	}
	acc.UpdatedAt = time.Now()
	err = am.saveLocked()
	am.mu.Unlock()
	if err != nil {
		am.logger.Warn("failed to persist refreshed token", zap.Error(err))
	}

	return fresh.AccessToken, nil
}

// HealthTracker exposes the health tracker for status displays.
func (am *AccountManager) HealthTracker() *HealthTracker {
	return am.healthTracker
}
