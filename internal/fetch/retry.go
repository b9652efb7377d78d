package fetch

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Strategy selects how retry delays grow.
type Strategy string

// Supported backoff strategies.
const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
)

// ParseStrategy maps a config string to a Strategy, case-insensitively.
func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(raw))); s {
	case StrategyExponential, StrategyLinear, StrategyFixed:
		return s, nil
	case "":
		return StrategyExponential, nil
	default:
		return "", fmt.Errorf("unknown retry strategy %q", raw)
	}
}

// RetryPolicy is a pure value describing how failed fetches are retried.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
	Strategy   Strategy

	// rand returns a value in [0, 1); nil uses crypto/rand.
	rand func() float64
}

// DefaultRetryPolicy returns three exponential retries from 1s up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
		Jitter:     true,
		Strategy:   StrategyExponential,
	}
}

// Validate rejects policies that cannot produce sane delays.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %v is below base delay %v", p.MaxDelay, p.BaseDelay)
	}
	if p.Strategy == StrategyExponential && p.Multiplier < 1 {
		return fmt.Errorf("exponential multiplier must be >= 1")
	}
	if _, err := ParseStrategy(string(p.Strategy)); err != nil {
		return err
	}
	return nil
}

// WithRand returns a copy of p that draws jitter from fn.
func (p RetryPolicy) WithRand(fn func() float64) RetryPolicy {
	p.rand = fn
	return p
}

// Delay returns the wait before retry number attempt (1 for the first
// retry). The base schedule is base*multiplier^(attempt-1), base*attempt, or
// base, capped at MaxDelay; jitter then scales it by a factor in [0.5, 1.0].
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d float64
	switch p.Strategy {
	case StrategyLinear:
		d = float64(p.BaseDelay) * float64(attempt)
	case StrategyFixed:
		d = float64(p.BaseDelay)
	default:
		mult := p.Multiplier
		if mult < 1 {
			mult = 1
		}
		d = float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	}
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.5 + 0.5*p.draw()
	}
	return time.Duration(d)
}

// CapDelay bounds a server-provided delay by MaxDelay.
func (p RetryPolicy) CapDelay(d time.Duration) time.Duration {
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}

func (p RetryPolicy) draw() float64 {
	if p.rand != nil {
		return p.rand()
	}
	const precision = 1 << 53
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / precision
}

// ParseRetryAfter reads a Retry-After header given either as delta seconds or
// as an HTTP date relative to now. It returns 0 when absent or unparseable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := when.Sub(now); d > 0 {
		return d
	}
	return 0
}
