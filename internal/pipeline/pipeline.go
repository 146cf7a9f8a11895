package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/workshoppush/internal/credential"
	"github.com/nao1215/workshoppush/internal/detector"
	"github.com/nao1215/workshoppush/internal/dispatch"
	"github.com/nao1215/workshoppush/internal/metrics"
	"github.com/nao1215/workshoppush/internal/provider"
	"github.com/nao1215/workshoppush/internal/resolver"
	"github.com/nao1215/workshoppush/internal/store"
	"github.com/nao1215/workshoppush/internal/workshopfeed"
	"github.com/nao1215/workshoppush/pkg/event"
)

// Store はパイプラインが参照・更新する購読、端末トークン、フィード位置のストア。
type Store interface {
	detector.CursorStore
	CursorSaver
	resolver.SubscriptionReader
	resolver.TokenReader
	dispatch.Devices
}

// Ledger は送信済み台帳。
type Ledger interface {
	HasSent(ctx context.Context, workshopID, userID string) (bool, error)
	dispatch.Ledger
}

// Credentials は認証トークンの取得元。
type Credentials interface {
	credential.Source
	dispatch.Refresher
}

// Config はパイプラインの設定。
type Config struct {
	ConsumerName string
	Detector     detector.Config
	Resolver     resolver.RetryPolicy
	Dispatch     dispatch.Config
	DrainTimeout time.Duration
}

// Deps はパイプラインの依存関係。
type Deps struct {
	Feed        workshopfeed.Feed
	Store       Store
	Ledger      Ledger
	Sender      provider.Sender
	Credentials Credentials
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Status はパイプラインの現在の状況。
type Status struct {
	// LastRead は変更検知器が最後に読み込んだ位置。
	LastRead event.Position `json:"last_read_position"`
	// Committed は保存対象となる完了済みの位置。
	Committed event.Position `json:"committed_position"`
	// PendingEvents は完了待ちのイベント数。
	PendingEvents int `json:"pending_events"`
	// Queued は配信キューのジョブ数。
	Queued int `json:"queue_depth"`
	// RetriesPending は再試行待ちのジョブ数。
	RetriesPending int `json:"retries_pending"`
	// Outstanding は終端状態に達していないジョブ数。
	Outstanding int `json:"outstanding_jobs"`
}

// eventState はイベントごとの未完了ジョブ数。
type eventState struct {
	remaining int
	// failed は停止によって登録できなかったジョブがあることを表す。
	failed bool
}

// Pipeline は変更検知から配信までを接続する。
type Pipeline struct {
	cfg         Config
	detector    *detector.Detector
	subscribers *resolver.Subscribers
	tokens      *resolver.Tokens
	ledger      Ledger
	dispatcher  *dispatch.Dispatcher
	watermark   *Watermark
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu     sync.Mutex
	events map[event.Position]*eventState
}

// New はパイプラインを生成する。
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	cfg.Detector.ConsumerName = cfg.ConsumerName

	p := &Pipeline{
		cfg:     cfg,
		ledger:  deps.Ledger,
		logger:  deps.Logger.With(slog.String("component", "pipeline")),
		metrics: deps.Metrics,
		events:  make(map[event.Position]*eventState),
	}
	p.watermark = NewWatermark(cfg.ConsumerName, deps.Store, deps.Logger, deps.Metrics)
	p.detector = detector.New(deps.Feed, deps.Store, p.watermark, cfg.Detector, deps.Logger, deps.Metrics)
	p.subscribers = resolver.NewSubscribers(deps.Store, cfg.Resolver, deps.Logger)
	p.tokens = resolver.NewTokens(deps.Store, cfg.Resolver, deps.Logger)
	p.dispatcher = dispatch.New(cfg.Dispatch, deps.Sender, deps.Credentials, deps.Ledger, deps.Store, deps.Logger, deps.Metrics,
		dispatch.WithRefresher(deps.Credentials),
		dispatch.WithCompletion(p.jobDone),
	)
	return p
}

// Run はctxがキャンセルされるまでパイプラインを動かし、その後停止処理を行う。
// 停止時は配信キューをDrainTimeoutまで処理し、完了した位置を保存する。
func (p *Pipeline) Run(ctx context.Context) error {
	p.dispatcher.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.detector.Run(gctx) })
	g.Go(func() error { return p.watermark.Run(gctx) })
	g.Go(func() error {
		p.consume(gctx)
		return nil
	})
	runErr := g.Wait()

	p.logger.Info("パイプラインを停止します", slog.Duration("drain_timeout", p.cfg.DrainTimeout))
	drainCtx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer cancel()
	if err := p.dispatcher.Close(drainCtx); err != nil {
		p.logger.Warn("配信キューを処理しきれませんでした。未完了のイベントは再起動後に再処理されます",
			slog.String("error", err.Error()))
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	if err := p.watermark.Flush(flushCtx); err != nil {
		p.logger.Error("停止時のフィード位置の保存に失敗しました", slog.String("error", err.Error()))
	}
	p.logger.Info("パイプラインを停止しました", slog.Int64("committed_position", int64(p.watermark.Committed())))
	return runErr
}

// Status は現在の状況を返す。
func (p *Pipeline) Status() Status {
	stats := p.dispatcher.Stats()
	return Status{
		LastRead:       p.detector.LastRead(),
		Committed:      p.watermark.Committed(),
		PendingEvents:  p.watermark.Pending(),
		Queued:         stats.Queued,
		RetriesPending: stats.RetriesPending,
		Outstanding:    stats.Outstanding,
	}
}

// consume は変更検知器から新規ワークショップを受け取り、配信ジョブを登録する。
func (p *Pipeline) consume(ctx context.Context) {
	for created := range p.detector.Events() {
		p.handle(ctx, created)
	}
}

// handle は1件の新規ワークショップを処理する。
// 解決に失敗したイベントは破棄し、位置は完了として扱う。
func (p *Pipeline) handle(ctx context.Context, created event.WorkshopCreated) {
	log := p.logger.With(
		slog.String("workshop_id", created.WorkshopID),
		slog.Int64("position", int64(created.Position)),
	)

	users, err := p.subscribers.Resolve(ctx, created.ArtistIDs)
	if err != nil {
		p.drop(ctx, created, log, err)
		return
	}
	users = p.filterSent(ctx, created.WorkshopID, users, log)
	if len(users) == 0 {
		p.metrics.Events.WithLabelValues(metrics.EventNoTarget).Inc()
		p.watermark.Done(created.Position)
		return
	}

	tokens, err := p.tokens.Resolve(ctx, users)
	if err != nil {
		p.drop(ctx, created, log, err)
		return
	}
	if len(tokens) == 0 {
		p.metrics.Events.WithLabelValues(metrics.EventNoTarget).Inc()
		p.watermark.Done(created.Position)
		return
	}

	p.enqueue(ctx, created, tokens, log)
}

// drop はリトライが尽きたイベントを破棄する。
func (p *Pipeline) drop(ctx context.Context, created event.WorkshopCreated, log *slog.Logger, err error) {
	if ctx.Err() != nil {
		return
	}
	log.Error("通知先の解決に失敗したためイベントを破棄します", slog.String("error", err.Error()))
	p.metrics.Events.WithLabelValues(metrics.EventDropped).Inc()
	p.watermark.Done(created.Position)
}

// filterSent は台帳に記録済みのユーザーを除外する。
// 台帳を参照できない場合は未送信とみなし、重複送信を許容する。
func (p *Pipeline) filterSent(ctx context.Context, workshopID string, users []string, log *slog.Logger) []string {
	out := users[:0]
	for _, userID := range users {
		sent, err := p.ledger.HasSent(ctx, workshopID, userID)
		if err != nil {
			log.Warn("送信済み台帳を参照できないため未送信として扱います",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		if sent {
			p.metrics.Deduplicated.Inc()
			continue
		}
		out = append(out, userID)
	}
	return out
}

// enqueue はトークンごとの配信ジョブを登録する。
// ジョブの完了がすべての登録より先に届いても位置を早まって完了にしないよう、
// 登録が終わるまで1件分の保留を持つ。
func (p *Pipeline) enqueue(ctx context.Context, created event.WorkshopCreated, tokens []store.DeviceToken, log *slog.Logger) {
	state := &eventState{remaining: 1}
	p.mu.Lock()
	p.events[created.Position] = state
	p.mu.Unlock()

	title, body := notificationText(created)
	enqueued := 0
	for _, tok := range tokens {
		p.mu.Lock()
		state.remaining++
		p.mu.Unlock()

		err := p.dispatcher.Enqueue(ctx, dispatch.Job{
			WorkshopID: created.WorkshopID,
			UserID:     tok.UserID,
			Token:      tok.Token,
			Platform:   tok.Platform,
			Title:      title,
			Body:       body,
			Position:   created.Position,
		})
		if err != nil {
			p.mu.Lock()
			state.remaining--
			state.failed = true
			p.mu.Unlock()
			if !errors.Is(err, context.Canceled) && !errors.Is(err, dispatch.ErrClosed) {
				log.Error("配信ジョブの登録に失敗しました", slog.String("error", err.Error()))
			}
			break
		}
		enqueued++
	}

	p.metrics.Events.WithLabelValues(metrics.EventEnqueued).Inc()
	log.Info("配信ジョブを登録しました", slog.Int("jobs", enqueued), slog.Int("tokens", len(tokens)))
	p.release(created.Position)
}

// jobDone はディスパッチャーからジョブの完了通知を受け取る。
// 終端結果が台帳に反映された後にだけ呼ばれる。
func (p *Pipeline) jobDone(job dispatch.Job) {
	p.release(job.Position)
}

// release はイベントの未完了ジョブを1件減らし、0になれば位置を完了にする。
// 登録しきれなかったジョブがあるイベントは完了にせず、再起動後に再処理させる。
func (p *Pipeline) release(pos event.Position) {
	p.mu.Lock()
	st, ok := p.events[pos]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.remaining--
	if st.remaining > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.events, pos)
	failed := st.failed
	p.mu.Unlock()

	if failed {
		p.logger.Warn("完了していないジョブがあるため位置を進めません", slog.Int64("position", int64(pos)))
		return
	}
	p.watermark.Done(pos)
}

// notificationText は通知のタイトルと本文を組み立てる。
func notificationText(created event.WorkshopCreated) (string, string) {
	const title = "新しいワークショップが公開されました"
	if created.Title != "" {
		return title, created.Title
	}
	return title, "お気に入りのアーティストのワークショップが追加されました"
}
