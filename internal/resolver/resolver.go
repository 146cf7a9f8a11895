package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nao1215/workshoppush/internal/store"
)

// SubscriptionReader は購読の読み取り元。
type SubscriptionReader interface {
	FindNotifySubscribers(ctx context.Context, artistIDs []string) ([]string, error)
}

// TokenReader は端末トークンの読み取り元。
type TokenReader interface {
	FindActiveTokens(ctx context.Context, userIDs []string) ([]store.DeviceToken, error)
}

// RetryPolicy はストア読み込みのリトライ設定。
type RetryPolicy struct {
	// MaxAttempts は初回を含む最大試行回数。
	MaxAttempts int
	// BackoffBase は初回リトライまでの待機時間。以降は2倍ずつ増える。
	BackoffBase time.Duration
}

// DefaultRetryPolicy は既定のリトライ設定。
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BackoffBase: 200 * time.Millisecond}

// Subscribers はワークショップのアーティストから通知希望のユーザーを解決する。
type Subscribers struct {
	reader SubscriptionReader
	retry  retrier
}

// NewSubscribers はSubscribersを生成する。
func NewSubscribers(reader SubscriptionReader, policy RetryPolicy, logger *slog.Logger) *Subscribers {
	return &Subscribers{
		reader: reader,
		retry:  newRetrier(policy, logger.With(slog.String("component", "subscriber_resolver"))),
	}
}

// Resolve はartistIDsのいずれかにNOTIFYで購読しているユーザーIDを重複なしで返す。
// 読み取り元が重複を返しても、ユーザーごとに1回だけ含めるのはここで保証する。
func (s *Subscribers) Resolve(ctx context.Context, artistIDs []string) ([]string, error) {
	if len(artistIDs) == 0 {
		return nil, nil
	}
	var users []string
	err := s.retry.do(ctx, "購読者の解決", func(ctx context.Context) error {
		var err error
		users, err = s.reader.FindNotifySubscribers(ctx, artistIDs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dedupe(users), nil
}

// Tokens はユーザーから有効な端末トークンを解決する。
type Tokens struct {
	reader TokenReader
	retry  retrier
}

// NewTokens はTokensを生成する。
func NewTokens(reader TokenReader, policy RetryPolicy, logger *slog.Logger) *Tokens {
	return &Tokens{
		reader: reader,
		retry:  newRetrier(policy, logger.With(slog.String("component", "token_resolver"))),
	}
}

// Resolve はuserIDsが所有する有効な端末トークンを返す。
// 有効なトークンを持たないユーザーは結果に含まれない。
func (t *Tokens) Resolve(ctx context.Context, userIDs []string) ([]store.DeviceToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var tokens []store.DeviceToken
	err := t.retry.do(ctx, "端末トークンの解決", func(ctx context.Context) error {
		var err error
		tokens, err = t.reader.FindActiveTokens(ctx, userIDs)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := tokens[:0]
	for _, tok := range tokens {
		if tok.IsActive {
			out = append(out, tok)
		}
	}
	return out, nil
}

// retrier はストア読み込みを指数バックオフでリトライする。
type retrier struct {
	policy RetryPolicy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func newRetrier(policy RetryPolicy, logger *slog.Logger) retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = DefaultRetryPolicy.BackoffBase
	}
	return retrier{policy: policy, logger: logger, sleep: sleepContext}
}

func (r retrier) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	wait := r.policy.BackoffBase
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= r.policy.MaxAttempts || ctx.Err() != nil {
			break
		}
		r.logger.Warn(op+"に失敗しました。リトライします",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
		if serr := r.sleep(ctx, wait); serr != nil {
			break
		}
		wait *= 2
	}
	return fmt.Errorf("%sに失敗: %w", op, err)
}

// dedupe は出現順を保ったまま重複を取り除く。
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
