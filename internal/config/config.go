package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Server はステータスAPIの設定。
type Server struct {
	Port      string `toml:"port"`
	JWTSecret string `toml:"jwt_secret"`
}

// Storage は購読・デバイス・送信済み台帳を保持するSQLiteの設定。
type Storage struct {
	DataDir string `toml:"data_dir"`
	DBPath  string `toml:"db_path"`
}

// Feed はワークショップ変更フィードの設定。
type Feed struct {
	DBPath         string `toml:"db_path"`
	ConsumerName   string `toml:"consumer_name"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
	RetentionHours int    `toml:"retention_hours"`
}

// Detector は変更検知器の再購読バックオフ設定。
type Detector struct {
	BackoffBaseMS     int `toml:"backoff_base_ms"`
	BackoffMaxSeconds int `toml:"backoff_max_seconds"`
}

// Resolver は購読者・トークン解決時のストア読み込みリトライ設定。
type Resolver struct {
	MaxAttempts   int `toml:"max_attempts"`
	BackoffBaseMS int `toml:"backoff_base_ms"`
}

// Dispatch は配信ワーカープールとリトライの設定。
type Dispatch struct {
	Workers           int     `toml:"workers"`
	QueueSize         int     `toml:"queue_size"`
	MaxAttempts       int     `toml:"max_attempts"`
	BackoffBaseMS     int     `toml:"backoff_base_ms"`
	BackoffMaxSeconds int     `toml:"backoff_max_seconds"`
	JitterFraction    float64 `toml:"jitter_fraction"`
}

// Credential はプロバイダ認証トークン（ES256 JWT）の設定。
type Credential struct {
	KeyPath              string `toml:"key_path"`
	KeyID                string `toml:"key_id"`
	TeamID               string `toml:"team_id"`
	LifetimeMinutes      int    `toml:"lifetime_minutes"`
	RefreshMarginSeconds int    `toml:"refresh_margin_seconds"`
	RetryIntervalSeconds int    `toml:"retry_interval_seconds"`
}

// Provider はプッシュプロバイダの接続設定。
type Provider struct {
	BaseURL        string `toml:"base_url"`
	Topic          string `toml:"topic"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Ledger は送信済み台帳のバックエンド設定。
type Ledger struct {
	Backend   string `toml:"backend"`
	RedisURL  string `toml:"redis_url"`
	KeyPrefix string `toml:"key_prefix"`
	TTLHours  int    `toml:"ttl_hours"`
}

// Pipeline はパイプライン全体の停止設定。
type Pipeline struct {
	DrainTimeoutSeconds int `toml:"drain_timeout_seconds"`
}

// Logging はログ出力の設定。
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config はプッシュ配信パイプライン全体の設定。
type Config struct {
	Server     Server     `toml:"server"`
	Storage    Storage    `toml:"storage"`
	Feed       Feed       `toml:"feed"`
	Detector   Detector   `toml:"detector"`
	Resolver   Resolver   `toml:"resolver"`
	Dispatch   Dispatch   `toml:"dispatch"`
	Credential Credential `toml:"credential"`
	Provider   Provider   `toml:"provider"`
	Ledger     Ledger     `toml:"ledger"`
	Pipeline   Pipeline   `toml:"pipeline"`
	Logging    Logging    `toml:"logging"`
}

// Load は設定ファイルを読み込み、環境変数で上書きした上で検証する。
// pathが空、またはファイルが存在しない場合は既定値から開始する。
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadStorage はストアとフィードの操作に必要な項目だけを検証して設定を返す。
// 配信を行わない管理コマンドで使用する。
func LoadStorage(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.validateStorage(); err != nil {
		return nil, err
	}
	if err := cfg.validateLogging(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
			}
		}
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.normalize()
	return &cfg, nil
}

// normalize は相対的な既定値を解決する。
func (c *Config) normalize() {
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.Storage.DataDir, "pushdispatcher.db")
	}
	if c.Feed.DBPath == "" {
		c.Feed.DBPath = filepath.Join(c.Storage.DataDir, "workshops.db")
	}
}

// LockPath は変更検知器の多重起動を防ぐロックファイルのパスを返す。
func (c *Config) LockPath() string {
	return filepath.Join(c.Storage.DataDir, "pushdispatcher.lock")
}

// PollInterval はフィードのポーリング間隔を返す。
func (f Feed) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalMS) * time.Millisecond
}

// Retention はフィード履歴の保持期間を返す。0は無期限。
func (f Feed) Retention() time.Duration {
	return time.Duration(f.RetentionHours) * time.Hour
}

// BackoffBase は再購読バックオフの初期値を返す。
func (d Detector) BackoffBase() time.Duration {
	return time.Duration(d.BackoffBaseMS) * time.Millisecond
}

// BackoffMax は再購読バックオフの上限を返す。
func (d Detector) BackoffMax() time.Duration {
	return time.Duration(d.BackoffMaxSeconds) * time.Second
}

// BackoffBase はストア読み込みリトライの初期待機時間を返す。
func (r Resolver) BackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseMS) * time.Millisecond
}

// BackoffBase は配信リトライの初期待機時間を返す。
func (d Dispatch) BackoffBase() time.Duration {
	return time.Duration(d.BackoffBaseMS) * time.Millisecond
}

// BackoffMax は配信リトライの待機時間の上限を返す。
func (d Dispatch) BackoffMax() time.Duration {
	return time.Duration(d.BackoffMaxSeconds) * time.Second
}

// Lifetime は認証トークンの有効期間を返す。
func (c Credential) Lifetime() time.Duration {
	return time.Duration(c.LifetimeMinutes) * time.Minute
}

// RefreshMargin は有効期限の何秒前に再生成するかを返す。
func (c Credential) RefreshMargin() time.Duration {
	return time.Duration(c.RefreshMarginSeconds) * time.Second
}

// RetryInterval は再生成失敗時の初回リトライ間隔を返す。
func (c Credential) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

// Timeout はプロバイダ呼び出しのタイムアウトを返す。
func (p Provider) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// TTL はRedis台帳エントリの保持期間を返す。0は無期限。
func (l Ledger) TTL() time.Duration {
	return time.Duration(l.TTLHours) * time.Hour
}

// DrainTimeout は停止時にキューを排出する猶予を返す。
func (p Pipeline) DrainTimeout() time.Duration {
	return time.Duration(p.DrainTimeoutSeconds) * time.Second
}
