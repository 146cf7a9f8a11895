package workshopfeed

import (
	"context"
	"log/slog"
	"time"
)

// RunRetention はintervalごとにretentionより古い履歴を削除する。ctxがキャンセルされるまで戻らない。
// retentionが0以下の場合は何もせずにctxの終了を待つ。
func (f *SQLiteFeed) RunRetention(ctx context.Context, retention, interval time.Duration, logger *slog.Logger) error {
	if retention <= 0 {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	logger = logger.With(slog.String("component", "feed_retention"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := f.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Error("フィード履歴の削除に失敗しました", slog.String("error", err.Error()))
		case n > 0:
			logger.Info("古いフィード履歴を削除しました", slog.Int64("deleted", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
