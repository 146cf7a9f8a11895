package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate は設定が使用可能であることを確認する。
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateServer,
		c.validateStorage,
		c.validateDispatch,
		c.validateCredential,
		c.validateProvider,
		c.validateLedger,
		c.validateLogging,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port == "" {
		return errors.New("server.port は必須です")
	}
	if c.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret は必須です（JWT_SECRET環境変数でも指定可能）")
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir は必須です")
	}
	if c.Feed.ConsumerName == "" {
		return errors.New("feed.consumer_name は必須です")
	}
	if c.Feed.PollIntervalMS <= 0 {
		return errors.New("feed.poll_interval_ms は正の値である必要があります")
	}
	if c.Resolver.MaxAttempts < 1 {
		return errors.New("resolver.max_attempts は1以上である必要があります")
	}
	return nil
}

func (c *Config) validateDispatch() error {
	d := c.Dispatch
	if d.Workers <= 0 {
		return errors.New("dispatch.workers は正の値である必要があります")
	}
	if d.QueueSize <= 0 {
		return errors.New("dispatch.queue_size は正の値である必要があります")
	}
	if d.MaxAttempts < 1 {
		return errors.New("dispatch.max_attempts は1以上である必要があります")
	}
	if d.BackoffBaseMS <= 0 || d.BackoffMax() < d.BackoffBase() {
		return errors.New("dispatch.backoff_base_ms は正の値かつ backoff_max_seconds 以下である必要があります")
	}
	if d.JitterFraction < 0 || d.JitterFraction >= 1 {
		return errors.New("dispatch.jitter_fraction は0以上1未満である必要があります")
	}
	return nil
}

func (c *Config) validateCredential() error {
	cr := c.Credential
	if cr.KeyPath == "" {
		return errors.New("credential.key_path は必須です（PUSH_KEY_PATH環境変数でも指定可能）")
	}
	if cr.KeyID == "" || cr.TeamID == "" {
		return errors.New("credential.key_id と credential.team_id は必須です")
	}
	if cr.LifetimeMinutes <= 0 {
		return errors.New("credential.lifetime_minutes は正の値である必要があります")
	}
	if cr.RefreshMargin() <= 0 || cr.RefreshMargin() >= cr.Lifetime() {
		return fmt.Errorf("credential.refresh_margin_seconds は0より大きく有効期間(%s)未満である必要があります", cr.Lifetime())
	}
	if cr.RetryIntervalSeconds <= 0 {
		return errors.New("credential.retry_interval_seconds は正の値である必要があります")
	}
	return nil
}

func (c *Config) validateProvider() error {
	if c.Provider.BaseURL == "" {
		return errors.New("provider.base_url は必須です（PUSH_BASE_URL環境変数でも指定可能）")
	}
	if !strings.HasPrefix(c.Provider.BaseURL, "http://") && !strings.HasPrefix(c.Provider.BaseURL, "https://") {
		return fmt.Errorf("provider.base_url が不正です: %s", c.Provider.BaseURL)
	}
	if c.Provider.TimeoutSeconds <= 0 {
		return errors.New("provider.timeout_seconds は正の値である必要があります")
	}
	return nil
}

func (c *Config) validateLedger() error {
	switch c.Ledger.Backend {
	case LedgerBackendSQLite:
	case LedgerBackendRedis:
		if c.Ledger.RedisURL == "" {
			return errors.New("ledger.backend=redis の場合 ledger.redis_url は必須です")
		}
	default:
		return fmt.Errorf("ledger.backend が不正です: %s", c.Ledger.Backend)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level が不正です: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format が不正です: %s", c.Logging.Format)
	}
	return nil
}
