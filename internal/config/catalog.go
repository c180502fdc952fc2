package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/inaiurai/creditengine/internal/models"
	"github.com/inaiurai/creditengine/internal/scaler"
)

// Catalog is the provider catalog: per-provider rates and pool settings plus
// the seed refund policies.
type Catalog struct {
	Providers      map[string]ProviderConfig `yaml:"providers"`
	RefundPolicies []models.RefundPolicy     `yaml:"refund_policies"`
}

type ProviderConfig struct {
	// Ratio is provider credits per user credit, as a decimal string.
	Ratio          string `yaml:"ratio"`
	MinTaskCredits int64  `yaml:"min_task_credits"`
	MaxTaskCredits int64  `yaml:"max_task_credits"`
	MinPurchase    int64  `yaml:"min_purchase"`
	MaxPurchase    int64  `yaml:"max_purchase"`
	CostPerCredit  string `yaml:"cost_per_credit"`

	InitialBalance      int64 `yaml:"initial_balance"`
	AutoRefillThreshold int64 `yaml:"auto_refill_threshold"`
	AutoRefillAmount    int64 `yaml:"auto_refill_amount"`
	// AutoPurchase lets the refill worker top up the pool without an operator.
	AutoPurchase bool `yaml:"auto_purchase"`

	Endpoint  string `yaml:"endpoint"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// APIKey resolves the provider key from the environment variable named in the catalog.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog %q: %w", path, err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse provider catalog: %w", err)
	}
	if len(c.Providers) == 0 {
		return nil, fmt.Errorf("provider catalog lists no providers")
	}
	for i, p := range c.RefundPolicies {
		if p.ErrorCode == "" {
			return nil, fmt.Errorf("refund policy %d: error_code is required", i)
		}
		if p.RefundPercentage < 0 || p.RefundPercentage > 100 {
			return nil, fmt.Errorf("refund policy %q: refund_percentage %d outside [0, 100]", p.ErrorCode, p.RefundPercentage)
		}
	}
	return &c, nil
}

// ScalerConfig builds the conversion rates. The result is validated by scaler.New.
func (c *Catalog) ScalerConfig() (scaler.Config, error) {
	out := make(scaler.Config, len(c.Providers))
	for name, p := range c.Providers {
		ratio, err := decimal.NewFromString(p.Ratio)
		if err != nil {
			return nil, fmt.Errorf("provider %q: ratio %q: %w", name, p.Ratio, err)
		}
		out[name] = scaler.Rates{
			Ratio:          ratio,
			MinTaskCredits: p.MinTaskCredits,
			MaxTaskCredits: p.MaxTaskCredits,
			MinPurchase:    p.MinPurchase,
			MaxPurchase:    p.MaxPurchase,
		}
	}
	return out, nil
}

// Pools returns the opening pool for every catalog provider.
func (c *Catalog) Pools() ([]*models.ProviderCreditPool, error) {
	out := make([]*models.ProviderCreditPool, 0, len(c.Providers))
	for name, p := range c.Providers {
		cost := decimal.Zero
		if p.CostPerCredit != "" {
			var err error
			if cost, err = decimal.NewFromString(p.CostPerCredit); err != nil {
				return nil, fmt.Errorf("provider %q: cost_per_credit %q: %w", name, p.CostPerCredit, err)
			}
		}
		out = append(out, &models.ProviderCreditPool{
			Provider:            name,
			AvailableBalance:    p.InitialBalance,
			CostPerCredit:       cost,
			AutoRefillThreshold: p.AutoRefillThreshold,
			AutoRefillAmount:    p.AutoRefillAmount,
		})
	}
	return out, nil
}
