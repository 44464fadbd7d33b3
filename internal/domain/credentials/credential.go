// Package credentials models the API credentials workers rotate through
// when querying third-party data sources, along with their usage quotas.
package credentials

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoCredentials indicates an operation requires at least one configured credential.
var ErrNoCredentials = errors.New("no credentials configured")

// Credential is a single named API credential with local usage accounting.
// Quotas of zero mean unlimited. Usage counters roll over at UTC day and
// month boundaries.
type Credential struct {
	name   string
	secret string

	dailyUsed    int64
	dailyQuota   int64
	monthlyUsed  int64
	monthlyQuota int64

	dayWindow   time.Time
	monthWindow time.Time

	cooldownUntil time.Time
}

// New creates a Credential. Quotas may be zero for unlimited use.
func New(name, secret string, dailyQuota, monthlyQuota int64) (*Credential, error) {
	if name == "" {
		return nil, errors.New("credential name is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("credential %s: secret is required", name)
	}
	if dailyQuota < 0 || monthlyQuota < 0 {
		return nil, fmt.Errorf("credential %s: quotas must be non-negative", name)
	}
	return &Credential{name: name, secret: secret, dailyQuota: dailyQuota, monthlyQuota: monthlyQuota}, nil
}

// Name returns the credential's identifier.
func (c *Credential) Name() string { return c.name }

// Secret returns the credential's secret value.
func (c *Credential) Secret() string { return c.secret }

// String identifies the credential without exposing its secret.
func (c *Credential) String() string { return fmt.Sprintf("credential(%s)", c.name) }

// RecordUse counts one request against the daily and monthly quotas.
func (c *Credential) RecordUse(now time.Time) {
	c.rollWindows(now)
	c.dailyUsed++
	c.monthlyUsed++
}

// Exhausted reports whether either quota has been reached for the current window.
func (c *Credential) Exhausted(now time.Time) bool {
	c.rollWindows(now)
	if c.dailyQuota > 0 && c.dailyUsed >= c.dailyQuota {
		return true
	}
	if c.monthlyQuota > 0 && c.monthlyUsed >= c.monthlyQuota {
		return true
	}
	return false
}

// StartCooldown rests the credential until the given time, typically after
// an upstream rate-limit response.
func (c *Credential) StartCooldown(until time.Time) { c.cooldownUntil = until }

// InCooldown reports whether the credential is resting.
func (c *Credential) InCooldown(now time.Time) bool { return now.Before(c.cooldownUntil) }

// Usable reports whether the credential can serve a request right now.
func (c *Credential) Usable(now time.Time) bool {
	return !c.InCooldown(now) && !c.Exhausted(now)
}

// Status returns a point-in-time snapshot of the credential's quota state.
func (c *Credential) Status(now time.Time) QuotaStatus {
	c.rollWindows(now)
	return QuotaStatus{
		Name:          c.name,
		DailyUsed:     c.dailyUsed,
		DailyQuota:    c.dailyQuota,
		MonthlyUsed:   c.monthlyUsed,
		MonthlyQuota:  c.monthlyQuota,
		Exhausted:     c.Exhausted(now),
		InCooldown:    c.InCooldown(now),
		CooldownUntil: c.cooldownUntil,
	}
}

// rollWindows resets counters whose UTC accounting window has passed.
func (c *Credential) rollWindows(now time.Time) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	if !day.Equal(c.dayWindow) {
		c.dayWindow = day
		c.dailyUsed = 0
	}
	if !month.Equal(c.monthWindow) {
		c.monthWindow = month
		c.monthlyUsed = 0
	}
}

// QuotaStatus is a read-only snapshot of a credential's usage, safe to expose
// on operational surfaces. It never carries the secret.
type QuotaStatus struct {
	Name          string
	DailyUsed     int64
	DailyQuota    int64
	MonthlyUsed   int64
	MonthlyQuota  int64
	Exhausted     bool
	InCooldown    bool
	CooldownUntil time.Time
}
