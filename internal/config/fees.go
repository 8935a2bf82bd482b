package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// FeeConfig controls marketplace commission and seller payout scheduling.
type FeeConfig struct {
	CommissionBps   int   `mapstructure:"commissionBps"`
	PayoutDelayDays int   `mapstructure:"payoutDelayDays"`
	MinPayoutCents  int64 `mapstructure:"minPayoutCents"`
}

func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		CommissionBps:   1000, // 10%
		PayoutDelayDays: 7,
		MinPayoutCents:  100,
	}
}

// FeeConfigHolder exposes the current fee config and hot-reloads it when the
// backing file changes.
type FeeConfigHolder struct {
	current atomic.Value // holds FeeConfig
}

func NewFeeConfigHolder() (*FeeConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("fees")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/stitchmarket/config")
	v.AddConfigPath("/etc/stitchmarket")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STITCHMARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultFeeConfig()
		v.SetDefault("fees.commissionBps", defaults.CommissionBps)
		v.SetDefault("fees.payoutDelayDays", defaults.PayoutDelayDays)
		v.SetDefault("fees.minPayoutCents", defaults.MinPayoutCents)
	}

	var cfg FeeConfig
	if err := v.UnmarshalKey("fees", &cfg); err != nil {
		return nil, err
	}
	if err := validateFeeConfig(cfg); err != nil {
		return nil, err
	}

	holder := &FeeConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated FeeConfig
		if err := v.UnmarshalKey("fees", &updated); err != nil {
			log.Printf("[fee-config] reload failed: %v", err)
			return
		}
		if err := validateFeeConfig(updated); err != nil {
			log.Printf("[fee-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[fee-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticFeeConfigHolder returns a holder pinned to cfg, with no file
// watching. Used by tests and tools that must not depend on the filesystem.
func NewStaticFeeConfigHolder(cfg FeeConfig) *FeeConfigHolder {
	holder := &FeeConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *FeeConfigHolder) Get() FeeConfig {
	return h.current.Load().(FeeConfig)
}

func validateFeeConfig(cfg FeeConfig) error {
	if cfg.CommissionBps < 0 || cfg.CommissionBps > 10_000 {
		return errors.New("fees.commissionBps must be between 0 and 10000")
	}
	if cfg.PayoutDelayDays < 0 {
		return errors.New("fees.payoutDelayDays cannot be negative")
	}
	if cfg.MinPayoutCents < 0 {
		return errors.New("fees.minPayoutCents cannot be negative")
	}
	return nil
}
