package dispatch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nao1215/workshoppush/internal/credential"
	"github.com/nao1215/workshoppush/internal/metrics"
	"github.com/nao1215/workshoppush/internal/provider"
	"github.com/nao1215/workshoppush/internal/store"
)

// ErrClosed はディスパッチャーが停止済みであることを表す。
var ErrClosed = errors.New("ディスパッチャーは停止済みです")

// Ledger は送信済み台帳への書き込み先。
type Ledger interface {
	MarkSent(ctx context.Context, workshopID, userID string, outcome store.Outcome) (bool, error)
}

// Devices は端末トークンの状態の更新先。
type Devices interface {
	DeactivateToken(ctx context.Context, platform store.Platform, token string) (bool, error)
	HasActiveToken(ctx context.Context, userID string) (bool, error)
}

// Refresher は認証トークンの前倒し再生成を受け付ける。
type Refresher interface {
	Trigger()
}

// Config はディスパッチャーの設定。
type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	JitterFraction float64
}

// DefaultConfig は既定の設定。
var DefaultConfig = Config{
	Workers:        8,
	QueueSize:      256,
	MaxAttempts:    5,
	BackoffBase:    time.Second,
	BackoffMax:     60 * time.Second,
	JitterFraction: 0.2,
}

// Stats はディスパッチャーの現在の状況。
type Stats struct {
	// Queued はワーカーの取り出し待ちのジョブ数。
	Queued int
	// RetriesPending は再試行待ちのジョブ数。
	RetriesPending int
	// Outstanding は終端状態に達していないジョブの総数。
	Outstanding int
}

// Dispatcher は配信ジョブを固定数のワーカーで処理する。
type Dispatcher struct {
	cfg       Config
	sender    provider.Sender
	creds     credential.Source
	refresher Refresher
	ledger    Ledger
	devices   Devices
	onDone    func(Job)
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	jitter    func(time.Duration, float64) time.Duration

	queue chan *Job
	wake  chan struct{}
	abort chan struct{}
	// sendCtx は送信とストア書き込みに使用する。打ち切り時にキャンセルされる。
	sendCtx    context.Context
	cancelSend context.CancelFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	retries     retryQueue
	outstanding int
	closed      bool
	drained     chan struct{}
	startOnce   sync.Once
	abortOnce   sync.Once
}

// Option はDispatcherの任意設定。
type Option func(*Dispatcher)

// WithRefresher は認証トークンが拒否された際に再生成を要求する先を設定する。
func WithRefresher(r Refresher) Option {
	return func(d *Dispatcher) { d.refresher = r }
}

// WithCompletion はジョブが終端状態になった際の通知先を設定する。
func WithCompletion(fn func(Job)) Option {
	return func(d *Dispatcher) { d.onDone = fn }
}

// New はディスパッチャーを生成する。Startを呼ぶまでジョブは処理されない。
func New(cfg Config, sender provider.Sender, creds credential.Source, ledger Ledger, devices Devices, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(DefaultConfig.BackoffMax, cfg.BackoffBase)
	}

	sendCtx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:        cfg,
		sender:     sender,
		creds:      creds,
		ledger:     ledger,
		devices:    devices,
		onDone:     func(Job) {},
		logger:     logger.With(slog.String("component", "dispatcher")),
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
		jitter:     Jitter,
		queue:      make(chan *Job, cfg.QueueSize),
		wake:       make(chan struct{}, 1),
		abort:      make(chan struct{}),
		sendCtx:    sendCtx,
		cancelSend: cancel,
		drained:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start はワーカーと再試行スケジューラーを起動する。
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker(i)
		}
		d.wg.Add(1)
		go d.scheduler()
		d.logger.Info("配信ワーカーを起動しました", slog.Int("workers", d.cfg.Workers))
	})
}

// Enqueue はジョブをキューに追加する。キューが満杯の場合は空きができるまでブロックする。
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.outstanding++
	d.mu.Unlock()

	job.Status = StatusPending
	job.Committed = false
	j := &job

	select {
	case d.queue <- j:
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
		return nil
	case <-ctx.Done():
		d.release()
		return fmt.Errorf("ジョブの追加を中断: %w", ctx.Err())
	case <-d.abort:
		d.release()
		return ErrClosed
	}
}

// Stats は現在の状況を返す。
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Queued:         len(d.queue),
		RetriesPending: len(d.retries),
		Outstanding:    d.outstanding,
	}
}

// Close は新しいジョブの受け付けを止め、キューと再試行待ちのジョブを
// ctxの期限まで処理する。期限までに終わらなかったジョブは破棄され、
// 完了通知は呼ばれない。
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		if d.outstanding == 0 {
			close(d.drained)
		}
	}
	d.mu.Unlock()

	var err error
	select {
	case <-d.drained:
	case <-d.abort:
		return nil
	case <-ctx.Done():
		stats := d.Stats()
		d.logger.Warn("停止期限までに処理できなかったジョブを破棄します",
			slog.Int("outstanding", stats.Outstanding),
			slog.Int("retries_pending", stats.RetriesPending),
		)
		err = fmt.Errorf("未処理のジョブが%d件残っています: %w", stats.Outstanding, ctx.Err())
	}

	d.abortOnce.Do(func() {
		close(d.abort)
		d.cancelSend()
	})
	d.wg.Wait()
	d.logger.Info("配信ワーカーを停止しました")
	return err
}

// release は終端状態に達したジョブ、または破棄したジョブの数を減らす。
func (d *Dispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outstanding--
	if d.closed && d.outstanding == 0 {
		close(d.drained)
	}
}

// worker はキューからジョブを取り出して処理する。
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.abort:
			return
		case job := <-d.queue:
			d.metrics.QueueDepth.Set(float64(len(d.queue)))
			d.process(job)
		}
	}
}

// scheduler は再試行日時に達したジョブをキューに戻す。
func (d *Dispatcher) scheduler() {
	defer d.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		d.mu.Lock()
		next := d.retries.peek()
		var due *Job
		wait := time.Hour
		if next != nil {
			if until := next.NextAttemptAt.Sub(d.now()); until <= 0 {
				due = heap.Pop(&d.retries).(*Job)
				d.metrics.RetriesPending.Set(float64(len(d.retries)))
			} else {
				wait = until
			}
		}
		d.mu.Unlock()

		if due != nil {
			select {
			case d.queue <- due:
				d.metrics.QueueDepth.Set(float64(len(d.queue)))
				continue
			case <-d.abort:
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-d.abort:
			return
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// schedule はジョブを再試行待ちに追加する。
func (d *Dispatcher) schedule(job *Job) {
	d.mu.Lock()
	heap.Push(&d.retries, job)
	d.metrics.RetriesPending.Set(float64(len(d.retries)))
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// process は1回の試行を行い、結果に応じてジョブの状態を進める。
// 終端状態で反映待ちのジョブは送信せずに反映だけをやり直す。
func (d *Dispatcher) process(job *Job) {
	log := d.logger.With(
		slog.String("workshop_id", job.WorkshopID),
		slog.String("user_id", job.UserID),
		slog.String("platform", string(job.Platform)),
	)

	if job.Status.Terminal() {
		d.settle(job, log)
		return
	}

	cred, err := d.creds.Current()
	if err != nil {
		d.metrics.CredentialErrors.Inc()
		d.retryOrExhaust(job, provider.Result{Outcome: provider.OutcomeTransient, Err: err}, log)
		return
	}

	started := time.Now()
	res := d.sender.Send(d.sendCtx, cred, job.message())
	d.metrics.DeliveryDuration.WithLabelValues(string(job.Platform)).Observe(time.Since(started).Seconds())

	select {
	case <-d.abort:
		log.Info("停止中のため試行結果を破棄します", slog.String("result", res.Describe()))
		d.release()
		return
	default:
	}

	switch res.Outcome {
	case provider.OutcomeSuccess:
		job.Attempt++
		job.Status = StatusSent
		d.metrics.Deliveries.WithLabelValues(metrics.OutcomeSent).Inc()
		log.Debug("プッシュ通知を送信しました", slog.Int("attempt", job.Attempt), slog.String("request_id", res.RequestID))
		d.settle(job, log)

	case provider.OutcomePermanentToken:
		job.Attempt++
		job.Status = StatusFailedPermanent
		job.LastError = res.Describe()
		d.metrics.Deliveries.WithLabelValues(metrics.OutcomeDeactivated).Inc()
		d.settle(job, log)

	case provider.OutcomePermanentJob:
		job.Attempt++
		job.Status = StatusFailedPermanent
		job.LastError = res.Describe()
		job.Committed = true
		d.metrics.Deliveries.WithLabelValues(metrics.OutcomePermanent).Inc()
		log.Warn("プロバイダが配信を拒否したため打ち切ります", slog.String("result", res.Describe()))
		d.finish(job)

	default:
		if res.CredentialRejected && d.refresher != nil {
			d.refresher.Trigger()
		}
		d.retryOrExhaust(job, res, log)
	}
}

// retryOrExhaust は一時的な失敗の後、再試行するか打ち切るかを決める。
func (d *Dispatcher) retryOrExhaust(job *Job, res provider.Result, log *slog.Logger) {
	job.Attempt++
	job.LastError = res.Describe()

	if job.Attempt >= d.cfg.MaxAttempts {
		job.Status = StatusFailedExhausted
		d.metrics.Deliveries.WithLabelValues(metrics.OutcomeExhausted).Inc()
		log.Warn("再試行の上限に達したため打ち切ります",
			slog.Int("attempt", job.Attempt),
			slog.String("result", job.LastError),
		)
		d.settle(job, log)
		return
	}

	wait := d.jitter(Backoff(job.Attempt, d.cfg.BackoffBase, d.cfg.BackoffMax), d.cfg.JitterFraction)
	if res.RetryAfter > wait {
		wait = res.RetryAfter
	}
	job.NextAttemptAt = d.now().Add(wait)
	d.metrics.Deliveries.WithLabelValues(metrics.OutcomeTransient).Inc()
	log.Info("一時的な失敗のため再試行します",
		slog.Int("attempt", job.Attempt),
		slog.Duration("backoff", wait),
		slog.String("result", job.LastError),
	)
	d.schedule(job)
}

// settle は終端結果を台帳と端末トークンに反映する。
// 反映できなかった場合はプロバイダへ再送せず、バックオフ後に反映だけをやり直す。
// 停止時に反映待ちのまま残ったジョブは完了通知されず、再起動後に再処理される。
func (d *Dispatcher) settle(job *Job, log *slog.Logger) {
	var err error
	switch job.Status {
	case StatusSent:
		err = d.markSent(job, store.OutcomeSent)
	case StatusFailedExhausted:
		err = d.markSent(job, store.OutcomeExhausted)
	case StatusFailedPermanent:
		err = d.deactivate(job, log)
	}
	if err == nil {
		job.Committed = true
		d.finish(job)
		return
	}

	select {
	case <-d.abort:
		log.Warn("停止中のため終端結果の反映を中断します", slog.String("error", err.Error()))
		d.release()
		return
	default:
	}

	job.settleAttempts++
	wait := d.jitter(Backoff(job.settleAttempts, d.cfg.BackoffBase, d.cfg.BackoffMax), d.cfg.JitterFraction)
	job.NextAttemptAt = d.now().Add(wait)
	d.metrics.SettleRetries.Inc()
	log.Error("終端結果の反映に失敗しました。後で反映をやり直します",
		slog.String("status", string(job.Status)),
		slog.Int("settle_attempt", job.settleAttempts),
		slog.Duration("backoff", wait),
		slog.String("error", err.Error()),
	)
	d.schedule(job)
}

// deactivate はトークンを無効化し、ユーザーに有効な端末が残っていなければ
// 到達不能として台帳に記録する。
func (d *Dispatcher) deactivate(job *Job, log *slog.Logger) error {
	changed, err := d.devices.DeactivateToken(d.sendCtx, job.Platform, job.Token)
	if err != nil {
		return fmt.Errorf("端末トークンの無効化に失敗: %w", err)
	}
	if changed {
		log.Info("無効な端末トークンを無効化しました", slog.String("result", job.LastError))
	}

	active, err := d.devices.HasActiveToken(d.sendCtx, job.UserID)
	if err != nil {
		return fmt.Errorf("有効な端末トークンの確認に失敗: %w", err)
	}
	if active {
		return nil
	}
	return d.markSent(job, store.OutcomeUnreachable)
}

// markSent は台帳に記録する。記録済みの場合も成功として扱う。
func (d *Dispatcher) markSent(job *Job, outcome store.Outcome) error {
	if _, err := d.ledger.MarkSent(d.sendCtx, job.WorkshopID, job.UserID, outcome); err != nil {
		return fmt.Errorf("送信済み台帳への記録(%s)に失敗: %w", outcome, err)
	}
	return nil
}

// finish は終端状態のジョブを完了通知に渡す。
func (d *Dispatcher) finish(job *Job) {
	d.onDone(*job)
	d.release()
}
