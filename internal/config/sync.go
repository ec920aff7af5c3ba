package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// SyncConfig tunes the periodic consistency jobs. It is hot reloaded from sync.yml.
type SyncConfig struct {
	DriftAuditInterval   time.Duration                 `mapstructure:"driftAuditInterval"`
	ExpirySweepInterval  time.Duration                 `mapstructure:"expirySweepInterval"`
	ExpiryBatchSize      int                           `mapstructure:"expiryBatchSize"`
	ReconciliationPrefix string                        `mapstructure:"reconciliationPrefix"`
	Providers            map[string]ProviderSyncConfig `mapstructure:"providers"`
}

type ProviderSyncConfig struct {
	DriftAudit bool `mapstructure:"driftAudit"`
	AutoSync   bool `mapstructure:"autoSync"`
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		DriftAuditInterval:   6 * time.Hour,
		ExpirySweepInterval:  5 * time.Minute,
		ExpiryBatchSize:      200,
		ReconciliationPrefix: "reconcile",
		Providers: map[string]ProviderSyncConfig{
			"patreon": {DriftAudit: true, AutoSync: false},
		},
	}
}

// Provider returns the sync settings for a provider, zero value when unset.
func (c SyncConfig) Provider(providerID string) ProviderSyncConfig {
	if c.Providers == nil {
		return ProviderSyncConfig{}
	}
	return c.Providers[strings.ToLower(strings.TrimSpace(providerID))]
}

type SyncConfigHolder struct {
	current atomic.Value // holds SyncConfig
}

// NewStaticSyncConfigHolder wraps a fixed config, used by tests and one-shot commands.
func NewStaticSyncConfigHolder(cfg SyncConfig) *SyncConfigHolder {
	holder := &SyncConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewSyncConfigHolder(appCfg Config, log *zap.Logger) (*SyncConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("sync")
	v.SetConfigType("yml")
	if dir := strings.TrimSpace(appCfg.SyncConfigDir); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath("/etc/rewardsync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("REWARDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSyncConfig()
	v.SetDefault("sync.driftAuditInterval", defaults.DriftAuditInterval)
	v.SetDefault("sync.expirySweepInterval", defaults.ExpirySweepInterval)
	v.SetDefault("sync.expiryBatchSize", defaults.ExpiryBatchSize)
	v.SetDefault("sync.reconciliationPrefix", defaults.ReconciliationPrefix)
	v.SetDefault("sync.providers", defaults.Providers)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeSyncConfig(v)
	if err != nil {
		return nil, err
	}
	if err := validateSyncConfig(cfg); err != nil {
		return nil, err
	}

	holder := &SyncConfigHolder{}
	holder.current.Store(cfg)

	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeSyncConfig(v)
		if err != nil {
			log.Warn("sync config reload failed", zap.Error(err))
			return
		}
		if err := validateSyncConfig(updated); err != nil {
			log.Warn("invalid sync config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("sync config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *SyncConfigHolder) Get() SyncConfig {
	if h == nil {
		return DefaultSyncConfig()
	}
	cfg, ok := h.current.Load().(SyncConfig)
	if !ok {
		return DefaultSyncConfig()
	}
	return cfg
}

// decodeSyncConfig merges the file over the defaults key by key.
func decodeSyncConfig(v *viper.Viper) (SyncConfig, error) {
	var wrapper struct {
		Sync SyncConfig `mapstructure:"sync"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return SyncConfig{}, err
	}
	return wrapper.Sync, nil
}

func validateSyncConfig(cfg SyncConfig) error {
	if cfg.DriftAuditInterval <= 0 {
		return errors.New("sync.driftAuditInterval must be positive")
	}
	if cfg.ExpirySweepInterval <= 0 {
		return errors.New("sync.expirySweepInterval must be positive")
	}
	if cfg.ExpiryBatchSize <= 0 {
		return errors.New("sync.expiryBatchSize must be positive")
	}
	if strings.TrimSpace(cfg.ReconciliationPrefix) == "" {
		return errors.New("sync.reconciliationPrefix cannot be empty")
	}
	return nil
}
