package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nao1215/workshoppush/internal/metrics"
)

var (
	// ErrNoCredential は認証トークンがまだ生成されていないことを表す。
	ErrNoCredential = errors.New("認証トークンが生成されていません")
	// ErrCredentialExpired は保持している認証トークンが失効していることを表す。
	ErrCredentialExpired = errors.New("認証トークンが失効しています")
)

// State はローテーターの状態。
type State string

const (
	// StateNone は認証トークンを保持していない状態。
	StateNone State = "NONE"
	// StateValid は有効な認証トークンを保持している状態。
	StateValid State = "VALID"
	// StateRegenerating は有効な認証トークンを保持したまま再生成中の状態。
	StateRegenerating State = "REGENERATING"
	// StateExpired は保持している認証トークンが失効した状態。
	StateExpired State = "EXPIRED"
)

// Source は配信ワーカーが認証トークンのスナップショットを取得する先。
type Source interface {
	Current() (*Credential, error)
}

// Config はローテーターの設定。
type Config struct {
	// RefreshMargin は失効の何秒前に再生成を始めるか。
	RefreshMargin time.Duration
	// RetryInterval は再生成に失敗した場合の初回リトライ間隔。
	RetryInterval time.Duration
}

// Rotator は認証トークンを保持し、失効前に再生成して差し替える。
type Rotator struct {
	signer  Signer
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	current      atomic.Pointer[Credential]
	regenerating atomic.Bool
	trigger      chan struct{}
}

// NewRotator はローテーターを生成する。
func NewRotator(signer Signer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Rotator {
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 5 * time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Second
	}
	return &Rotator{
		signer:  signer,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "credential_rotator")),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		trigger: make(chan struct{}, 1),
	}
}

// Start は起動時の認証トークンを同期的に生成する。
// 失敗した場合は配信できないため、呼び出し側は起動を中止する。
func (r *Rotator) Start(context.Context) error {
	cred, err := r.signer.Sign(r.now())
	if err != nil {
		return fmt.Errorf("初回の認証トークン生成に失敗: %w", err)
	}
	r.current.Store(cred)
	r.logger.Info("認証トークンを生成しました", slog.Time("expires_at", cred.ExpiresAt))
	return nil
}

// Current は現在の認証トークンを返す。生成処理を待たずに即座に返る。
func (r *Rotator) Current() (*Credential, error) {
	cred := r.current.Load()
	if cred == nil {
		return nil, ErrNoCredential
	}
	if cred.Expired(r.now()) {
		return cred, ErrCredentialExpired
	}
	return cred, nil
}

// State は現在の状態を返す。
func (r *Rotator) State() State {
	cred := r.current.Load()
	switch {
	case cred == nil:
		return StateNone
	case cred.Expired(r.now()):
		return StateExpired
	case r.regenerating.Load():
		return StateRegenerating
	default:
		return StateValid
	}
}

// ExpiresAt は現在の認証トークンの失効日時を返す。保持していない場合はゼロ値。
func (r *Rotator) ExpiresAt() time.Time {
	if cred := r.current.Load(); cred != nil {
		return cred.ExpiresAt
	}
	return time.Time{}
}

// Trigger は次の再生成を前倒しで要求する。
// プロバイダが認証トークンを拒否した場合に使用する。
func (r *Rotator) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run はctxがキャンセルされるまで、失効前の再生成を繰り返す。
func (r *Rotator) Run(ctx context.Context) error {
	for {
		timer := time.NewTimer(r.untilRefresh())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-r.trigger:
			timer.Stop()
		}
		r.regenerate(ctx)
	}
}

// untilRefresh は次の再生成までの待機時間を返す。
func (r *Rotator) untilRefresh() time.Duration {
	cred := r.current.Load()
	if cred == nil {
		return 0
	}
	return max(cred.ExpiresAt.Sub(r.now())-r.cfg.RefreshMargin, 0)
}

// regenerate は新しい認証トークンの生成に成功するまでリトライする。
// 失敗している間は古い認証トークンを保持し続ける。
func (r *Rotator) regenerate(ctx context.Context) {
	r.regenerating.Store(true)
	defer r.regenerating.Store(false)

	wait := r.cfg.RetryInterval
	limit := max(r.cfg.RefreshMargin/2, r.cfg.RetryInterval)
	for attempt := 1; ; attempt++ {
		cred, err := r.signer.Sign(r.now())
		if err == nil {
			r.current.Store(cred)
			r.logger.Info("認証トークンを更新しました",
				slog.Time("expires_at", cred.ExpiresAt),
				slog.Int("attempt", attempt),
			)
			return
		}

		r.metrics.CredentialErrors.Inc()
		r.logger.Error("認証トークンの再生成に失敗しました。現在のトークンを使い続けます",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
			slog.Time("expires_at", r.ExpiresAt()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		wait = min(wait*2, limit)
	}
}
