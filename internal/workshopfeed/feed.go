package workshopfeed

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nao1215/workshoppush/internal/store"
	"github.com/nao1215/workshoppush/pkg/event"
	"github.com/nao1215/workshoppush/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

var (
	// ErrPositionExpired は再開位置の履歴が既に削除されていることを表す。
	ErrPositionExpired = errors.New("再開位置の履歴は既に削除されています")
	// ErrClosed は購読が閉じられていることを表す。
	ErrClosed = errors.New("購読は閉じられています")
)

// Feed は変更フィードの読み取り側のインターフェース。
type Feed interface {
	// Head は現在の末尾位置を返す。この位置より後の変更だけが新しい変更になる。
	Head(ctx context.Context) (event.Position, error)
	// Subscribe はafterより後の変更を順に返す購読を開始する。
	Subscribe(ctx context.Context, after event.Position) (Subscription, error)
}

// Subscription は変更フィードの購読。
type Subscription interface {
	// Next は次の変更を返す。変更が届くまでブロックする。
	Next(ctx context.Context) (*event.Event, error)
	// Close は購読を終了する。
	Close() error
}

// defaultPollInterval はポーリング間隔の既定値。
const defaultPollInterval = 500 * time.Millisecond

// batchSize は1回のポーリングで読み込む最大件数。
const batchSize = 100

// SQLiteFeed はSQLiteに保存された変更フィード。
type SQLiteFeed struct {
	db           *sql.DB
	pollInterval time.Duration
	now          func() time.Time
}

// Option はSQLiteFeedの設定を変更する。
type Option func(*SQLiteFeed)

// WithPollInterval は新しい変更を待つ際のポーリング間隔を設定する。
func WithPollInterval(d time.Duration) Option {
	return func(f *SQLiteFeed) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// Open はフィードのデータベースを開き、マイグレーションを適用する。
func Open(ctx context.Context, path string, opts ...Option) (*SQLiteFeed, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("フィードディレクトリの作成に失敗: %w", err)
	}
	db, err := store.OpenDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := migration.Run(ctx, db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("フィードのスキーマ初期化に失敗: %w", err)
	}

	f := &SQLiteFeed{
		db:           db,
		pollInterval: defaultPollInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Close はデータベース接続を閉じる。
func (f *SQLiteFeed) Close() error {
	return f.db.Close()
}

// Append はイベントを追記し、採番された位置を返す。
func (f *SQLiteFeed) Append(ctx context.Context, e *event.Event) (event.Position, error) {
	createdAt := e.CreatedAt.UTC()
	if e.CreatedAt.IsZero() {
		createdAt = f.now()
	}
	res, err := f.db.ExecContext(ctx, `
		INSERT INTO events (id, aggregate_id, aggregate_type, event_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.AggregateID, string(e.AggregateType), string(e.EventType), string(e.Data), createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("イベントの追記に失敗: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("イベント位置の取得に失敗: %w", err)
	}
	e.Position = event.Position(seq)
	return e.Position, nil
}

// PublishWorkshopCreated はワークショップの新規登録イベントを追記する。
func (f *SQLiteFeed) PublishWorkshopCreated(ctx context.Context, workshopID, title string, artistIDs []string) (*event.Event, error) {
	e, err := event.New(workshopID, event.AggregateTypeWorkshop, event.TypeWorkshopCreated, event.WorkshopCreatedData{
		ArtistIDs: artistIDs,
		Title:     title,
	})
	if err != nil {
		return nil, err
	}
	if _, err := f.Append(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Head は現在の末尾位置を返す。
func (f *SQLiteFeed) Head(ctx context.Context) (event.Position, error) {
	var maxSeq, pruned int64
	err := f.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT MAX(seq) FROM events), 0),
		       (SELECT pruned_through FROM feed_meta WHERE id = 1)`,
	).Scan(&maxSeq, &pruned)
	if err != nil {
		return 0, fmt.Errorf("フィード末尾位置の取得に失敗: %w", err)
	}
	return event.Position(max(maxSeq, pruned)), nil
}

// Prune はbeforeより前に記録された履歴を削除し、削除件数を返す。
func (f *SQLiteFeed) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var through sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE created_at < ?`, before.UTC(),
	).Scan(&through); err != nil {
		return 0, fmt.Errorf("削除対象の検索に失敗: %w", err)
	}
	if !through.Valid {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE seq <= ?`, through.Int64)
	if err != nil {
		return 0, fmt.Errorf("履歴の削除に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE feed_meta SET pruned_through = MAX(pruned_through, ?) WHERE id = 1`, through.Int64,
	); err != nil {
		return 0, fmt.Errorf("削除位置の記録に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return res.RowsAffected()
}

// Subscribe はafterより後の変更を返す購読を開始する。
// afterより後の履歴が既に削除されている場合はErrPositionExpiredを返す。
func (f *SQLiteFeed) Subscribe(ctx context.Context, after event.Position) (Subscription, error) {
	if err := f.checkExpired(ctx, after); err != nil {
		return nil, err
	}
	return &sqliteSubscription{feed: f, last: after}, nil
}

// checkExpired はafterの直後の履歴が残っているかを確認する。
func (f *SQLiteFeed) checkExpired(ctx context.Context, after event.Position) error {
	var pruned int64
	if err := f.db.QueryRowContext(ctx,
		`SELECT pruned_through FROM feed_meta WHERE id = 1`,
	).Scan(&pruned); err != nil {
		return fmt.Errorf("削除位置の取得に失敗: %w", err)
	}
	if int64(after) < pruned {
		return fmt.Errorf("位置 %d（削除済み: %d）: %w", after, pruned, ErrPositionExpired)
	}
	return nil
}

// sqliteSubscription はポーリングで新しい変更を読み込む購読。
type sqliteSubscription struct {
	feed    *SQLiteFeed
	last    event.Position
	pending []*event.Event
	closed  bool
}

// Next は次の変更を返す。変更がない間はポーリング間隔ごとに再確認する。
func (s *sqliteSubscription) Next(ctx context.Context) (*event.Event, error) {
	for {
		if s.closed {
			return nil, ErrClosed
		}
		if len(s.pending) > 0 {
			e := s.pending[0]
			s.pending = s.pending[1:]
			s.last = e.Position
			return e, nil
		}

		if err := s.fetch(ctx); err != nil {
			return nil, err
		}
		if len(s.pending) > 0 {
			continue
		}

		timer := time.NewTimer(s.feed.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// fetch は最後に返した位置より後の変更をまとめて読み込む。
func (s *sqliteSubscription) fetch(ctx context.Context) error {
	if err := s.feed.checkExpired(ctx, s.last); err != nil {
		return err
	}

	rows, err := s.feed.db.QueryContext(ctx, `
		SELECT seq, id, aggregate_id, aggregate_type, event_type, data, created_at
		FROM events WHERE seq > ? ORDER BY seq LIMIT ?`,
		int64(s.last), batchSize,
	)
	if err != nil {
		return fmt.Errorf("変更の読み込みに失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			e             event.Event
			seq           int64
			aggregateType string
			eventType     string
			data          string
		)
		if err := rows.Scan(&seq, &e.ID, &e.AggregateID, &aggregateType, &eventType, &data, &e.CreatedAt); err != nil {
			return fmt.Errorf("変更の読み込みに失敗: %w", err)
		}
		e.Position = event.Position(seq)
		e.AggregateType = event.AggregateType(aggregateType)
		e.EventType = event.Type(eventType)
		e.Data = []byte(data)
		s.pending = append(s.pending, &e)
	}
	return rows.Err()
}

// Close は購読を終了する。
func (s *sqliteSubscription) Close() error {
	s.closed = true
	s.pending = nil
	return nil
}
