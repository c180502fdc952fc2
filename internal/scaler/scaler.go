// Package scaler converts between user credits and a provider's opaque credits.
package scaler

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/inaiurai/creditengine/internal/models"
)

// Rates is the conversion configuration for one provider.
// Ratio is provider credits consumed per one user credit.
type Rates struct {
	Ratio          decimal.Decimal
	MinTaskCredits int64 // 0 means no lower bound beyond 1
	MaxTaskCredits int64 // 0 means unbounded
	MinPurchase    int64
	MaxPurchase    int64 // 0 means unbounded
}

// Config maps provider name to its rates. It is built once at startup and never mutated.
type Config map[string]Rates

// Scaler is safe for concurrent use; it holds no mutable state.
type Scaler struct {
	cfg Config
}

// New validates cfg and returns a Scaler over a private copy of it.
func New(cfg Config) (*Scaler, error) {
	cp := make(Config, len(cfg))
	for name, r := range cfg {
		// Below 1 the ceil/floor pair could hand back more user credits than were charged.
		if r.Ratio.LessThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("provider %q: ratio must be >= 1, got %s", name, r.Ratio)
		}
		if r.MaxTaskCredits > 0 && r.MaxTaskCredits < r.MinTaskCredits {
			return nil, fmt.Errorf("provider %q: max task credits below min", name)
		}
		if r.MaxPurchase > 0 && r.MaxPurchase < r.MinPurchase {
			return nil, fmt.Errorf("provider %q: max purchase below min", name)
		}
		cp[name] = r
	}
	return &Scaler{cfg: cp}, nil
}

func (s *Scaler) rates(provider string) (Rates, error) {
	r, ok := s.cfg[provider]
	if !ok {
		return Rates{}, fmt.Errorf("%w: %s", models.ErrUnknownProvider, provider)
	}
	return r, nil
}

// Providers returns the configured provider names.
func (s *Scaler) Providers() []string {
	out := make([]string, 0, len(s.cfg))
	for name := range s.cfg {
		out = append(out, name)
	}
	return out
}

// Ratio returns the configured ratio for provider.
func (s *Scaler) Ratio(provider string) (decimal.Decimal, error) {
	r, err := s.rates(provider)
	if err != nil {
		return decimal.Zero, err
	}
	return r.Ratio, nil
}

// ToProviderCredits returns ceil(userCredits * ratio) so the platform is never under-charged.
func (s *Scaler) ToProviderCredits(provider string, userCredits int64) (int64, error) {
	r, err := s.rates(provider)
	if err != nil {
		return 0, err
	}
	if userCredits < 0 {
		return 0, fmt.Errorf("%w: user credits %d", models.ErrInvalidAmount, userCredits)
	}
	return decimal.NewFromInt(userCredits).Mul(r.Ratio).Ceil().IntPart(), nil
}

// ToUserCredits returns floor(providerCredits / ratio) so users never get more than the pool backs.
func (s *Scaler) ToUserCredits(provider string, providerCredits int64) (int64, error) {
	r, err := s.rates(provider)
	if err != nil {
		return 0, err
	}
	if providerCredits < 0 {
		return 0, fmt.Errorf("%w: provider credits %d", models.ErrInvalidAmount, providerCredits)
	}
	q, _ := decimal.NewFromInt(providerCredits).QuoRem(r.Ratio, 0)
	return q.IntPart(), nil
}

// HasCapacity reports whether poolBalance covers the provider cost of userCredits.
func (s *Scaler) HasCapacity(provider string, userCredits, poolBalance int64) (bool, error) {
	need, err := s.ToProviderCredits(provider, userCredits)
	if err != nil {
		return false, err
	}
	return poolBalance >= need, nil
}

// CheckTask validates the per-task user credit bounds.
func (s *Scaler) CheckTask(provider string, userCredits int64) error {
	r, err := s.rates(provider)
	if err != nil {
		return err
	}
	lo := r.MinTaskCredits
	if lo < 1 {
		lo = 1
	}
	if userCredits < lo || (r.MaxTaskCredits > 0 && userCredits > r.MaxTaskCredits) {
		return fmt.Errorf("%w: %d user credits outside [%d, %d] for %s",
			models.ErrInvalidAmount, userCredits, lo, r.MaxTaskCredits, provider)
	}
	return nil
}

// CheckPurchase validates a provider credit purchase (refill) against the configured bounds.
func (s *Scaler) CheckPurchase(provider string, amount int64) error {
	r, err := s.rates(provider)
	if err != nil {
		return err
	}
	if amount <= 0 || amount < r.MinPurchase || (r.MaxPurchase > 0 && amount > r.MaxPurchase) {
		return fmt.Errorf("%w: purchase of %d outside [%d, %d] for %s",
			models.ErrInvalidAmount, amount, r.MinPurchase, r.MaxPurchase, provider)
	}
	return nil
}
