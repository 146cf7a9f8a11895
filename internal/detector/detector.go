package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nao1215/workshoppush/internal/metrics"
	"github.com/nao1215/workshoppush/internal/workshopfeed"
	"github.com/nao1215/workshoppush/pkg/event"
)

// CursorStore はフィード位置の永続化先。
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (event.Position, bool, error)
	ResetCursor(ctx context.Context, name string, pos event.Position) error
}

// Tracker は読み込んだ位置の処理状況を管理する。
// Trackはフィード順に呼ばれ、Doneは処理が完了した位置ごとに呼ばれる。
type Tracker interface {
	Reset(pos event.Position)
	Track(pos event.Position)
	Done(pos event.Position)
}

// Config は変更検知器の設定。
type Config struct {
	// ConsumerName はフィード位置を保存する際の消費者名。
	ConsumerName string
	// BackoffBase は再購読の初回待機時間。
	BackoffBase time.Duration
	// BackoffMax は再購読の待機時間の上限。
	BackoffMax time.Duration
}

// Detector はワークショップ変更フィードの変更検知器。
type Detector struct {
	feed    workshopfeed.Feed
	cursors CursorStore
	tracker Tracker
	cfg     Config
	out     chan event.WorkshopCreated
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	lastRead atomic.Int64
}

// New は変更検知器を生成する。
func New(feed workshopfeed.Feed, cursors CursorStore, tracker Tracker, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Detector {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Detector{
		feed:    feed,
		cursors: cursors,
		tracker: tracker,
		cfg:     cfg,
		out:     make(chan event.WorkshopCreated),
		logger:  logger.With(slog.String("component", "detector")),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepContext,
	}
}

// Events は新規ワークショップイベントを受け取るチャネルを返す。
// Runが終了するとクローズされる。受信側が詰まると変更検知器は読み込みを止める。
func (d *Detector) Events() <-chan event.WorkshopCreated {
	return d.out
}

// LastRead は最後に読み込んだフィード位置を返す。
func (d *Detector) LastRead() event.Position {
	return event.Position(d.lastRead.Load())
}

// Run はctxがキャンセルされるまでフィードを読み続ける。
// 起動時の位置の決定に失敗した場合のみエラーを返す。
func (d *Detector) Run(ctx context.Context) error {
	defer close(d.out)

	pos, err := d.start(ctx)
	if err != nil {
		return err
	}
	d.lastRead.Store(int64(pos))
	d.logger.Info("変更フィードの監視を開始します", slog.Int64("position", int64(pos)))

	backoff := d.cfg.BackoffBase
	for {
		sub, err := d.feed.Subscribe(ctx, pos)
		if err == nil {
			var read int
			pos, read, err = d.consume(ctx, sub, pos)
			_ = sub.Close()
			if read > 0 {
				backoff = d.cfg.BackoffBase
			}
		}

		if ctx.Err() != nil {
			d.logger.Info("変更フィードの監視を停止しました", slog.Int64("position", int64(pos)))
			return nil
		}

		if errors.Is(err, workshopfeed.ErrPositionExpired) {
			head, herr := d.restartFromHead(ctx, pos)
			if herr == nil {
				pos = head
				continue
			}
			err = herr
		}

		d.logger.Warn("変更フィードの購読が切断されました。再購読します",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
			slog.Int64("position", int64(pos)),
		)
		d.metrics.Resubscribes.Inc()
		if d.sleep(ctx, backoff) != nil {
			d.logger.Info("変更フィードの監視を停止しました", slog.Int64("position", int64(pos)))
			return nil
		}
		backoff = min(backoff*2, d.cfg.BackoffMax)
	}
}

// start は保存済みの位置を読み込む。保存済みの位置がない場合は現在の末尾から開始し、
// 過去の変更は再生しない。
func (d *Detector) start(ctx context.Context) (event.Position, error) {
	pos, ok, err := d.cursors.LoadCursor(ctx, d.cfg.ConsumerName)
	if err != nil {
		return 0, fmt.Errorf("フィード位置の読み込みに失敗: %w", err)
	}
	if ok {
		d.tracker.Reset(pos)
		return pos, nil
	}

	head, err := d.feed.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("フィード末尾位置の取得に失敗: %w", err)
	}
	if err := d.cursors.ResetCursor(ctx, d.cfg.ConsumerName, head); err != nil {
		return 0, fmt.Errorf("初期フィード位置の保存に失敗: %w", err)
	}
	d.tracker.Reset(head)
	d.logger.Info("保存済みのフィード位置がないため末尾から開始します", slog.Int64("position", int64(head)))
	return head, nil
}

// restartFromHead は再開位置の履歴が失われた場合に末尾から再開する。
// その間の変更は通知されないため、データ欠損としてエラーログを残す。
func (d *Detector) restartFromHead(ctx context.Context, from event.Position) (event.Position, error) {
	head, err := d.feed.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("フィード末尾位置の取得に失敗: %w", err)
	}
	if err := d.cursors.ResetCursor(ctx, d.cfg.ConsumerName, head); err != nil {
		return 0, fmt.Errorf("フィード位置のリセットに失敗: %w", err)
	}
	d.tracker.Reset(head)
	d.lastRead.Store(int64(head))
	d.logger.Error("再開位置の履歴が失われたため末尾から再開します。この間の変更は通知されません",
		slog.Int64("from", int64(from)),
		slog.Int64("to", int64(head)),
	)
	return head, nil
}

// consume は購読から変更を読み込み、新規ワークショップを引き渡す。
// 最後に読み込んだ位置と読み込んだ件数を返す。
func (d *Detector) consume(ctx context.Context, sub workshopfeed.Subscription, pos event.Position) (event.Position, int, error) {
	var read int
	for {
		e, err := sub.Next(ctx)
		if err != nil {
			return pos, read, err
		}
		read++
		pos = e.Position
		d.lastRead.Store(int64(pos))
		d.tracker.Track(pos)

		created, ok := d.convert(e)
		if !ok {
			d.tracker.Done(pos)
			continue
		}

		select {
		case d.out <- created:
		case <-ctx.Done():
			return pos, read, ctx.Err()
		}
	}
}

// convert は通知対象のイベントだけをWorkshopCreatedに変換する。
// 挿入以外のイベント、解釈できないイベント、アーティストが空のイベントはfalseを返す。
func (d *Detector) convert(e *event.Event) (event.WorkshopCreated, bool) {
	if e.EventType != event.TypeWorkshopCreated {
		return event.WorkshopCreated{}, false
	}

	created, err := event.ToWorkshopCreated(e, d.now())
	if err != nil {
		d.logger.Error("変更イベントを解釈できないためスキップします",
			slog.Int64("position", int64(e.Position)),
			slog.String("event_id", e.ID),
			slog.String("error", err.Error()),
		)
		d.metrics.Events.WithLabelValues(metrics.EventSkipped).Inc()
		return event.WorkshopCreated{}, false
	}

	if len(created.ArtistIDs) == 0 {
		d.logger.Debug("アーティストが空のワークショップは通知しません",
			slog.String("workshop_id", created.WorkshopID),
			slog.Int64("position", int64(e.Position)),
		)
		d.metrics.Events.WithLabelValues(metrics.EventEmpty).Inc()
		return event.WorkshopCreated{}, false
	}

	return created, true
}

// sleepContext はdだけ待機する。ctxがキャンセルされた場合はエラーを返す。
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
