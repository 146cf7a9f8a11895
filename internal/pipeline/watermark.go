package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nao1215/workshoppush/internal/metrics"
	"github.com/nao1215/workshoppush/pkg/event"
)

// CursorSaver はフィード位置の保存先。
type CursorSaver interface {
	SaveCursor(ctx context.Context, name string, pos event.Position) error
}

// Watermark は読み込んだ位置の完了状況を管理し、先頭から連続して完了した
// 最大の位置をフィード位置として保存する。
type Watermark struct {
	name    string
	saver   CursorSaver
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	committed event.Position
	saved     event.Position
	pending   []event.Position
	done      map[event.Position]struct{}
	notify    chan struct{}
}

// NewWatermark はWatermarkを生成する。
func NewWatermark(name string, saver CursorSaver, logger *slog.Logger, m *metrics.Metrics) *Watermark {
	return &Watermark{
		name:    name,
		saver:   saver,
		logger:  logger.With(slog.String("component", "watermark")),
		metrics: m,
		done:    make(map[event.Position]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Reset は保存済みの位置をposとして状態を初期化する。posは保存済みとみなす。
func (w *Watermark) Reset(pos event.Position) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.committed = pos
	w.saved = pos
	w.pending = nil
	clear(w.done)
	w.metrics.FeedPosition.Set(float64(pos))
}

// Track は読み込んだ位置を登録する。フィード順に呼び出す。
func (w *Watermark) Track(pos event.Position) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if pos <= w.committed {
		return
	}
	w.pending = append(w.pending, pos)
}

// Done は位置の処理が完了したことを記録する。
func (w *Watermark) Done(pos event.Position) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if pos <= w.committed {
		return
	}
	w.done[pos] = struct{}{}

	advanced := false
	for len(w.pending) > 0 {
		head := w.pending[0]
		if _, ok := w.done[head]; !ok {
			break
		}
		delete(w.done, head)
		w.pending = w.pending[1:]
		w.committed = head
		advanced = true
	}
	if !advanced {
		return
	}
	w.metrics.FeedPosition.Set(float64(w.committed))
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Committed は先頭から連続して完了した最大の位置を返す。
func (w *Watermark) Committed() event.Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// Pending は完了待ちの位置の数を返す。
func (w *Watermark) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run はctxがキャンセルされるまで、完了位置が進むたびに保存する。
func (w *Watermark) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.notify:
			if err := w.Flush(ctx); err != nil {
				w.logger.Error("フィード位置の保存に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// Flush は未保存の完了位置を保存する。
func (w *Watermark) Flush(ctx context.Context) error {
	w.mu.Lock()
	committed, saved := w.committed, w.saved
	w.mu.Unlock()
	if committed <= saved {
		return nil
	}

	if err := w.saver.SaveCursor(ctx, w.name, committed); err != nil {
		return fmt.Errorf("フィード位置 %d の保存に失敗: %w", committed, err)
	}

	w.mu.Lock()
	if committed > w.saved {
		w.saved = committed
	}
	w.mu.Unlock()
	w.logger.Debug("フィード位置を保存しました", slog.Int64("position", int64(committed)))
	return nil
}
