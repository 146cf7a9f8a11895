package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nao1215/workshoppush/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound は対象のレコードが存在しないことを表す。
var ErrNotFound = errors.New("レコードが見つかりません")

// maxBatch は IN 句に渡す値の最大数。SQLiteの変数上限に余裕を持たせている。
const maxBatch = 500

// Store はSQLiteに保存された購読・デバイス・台帳・カーソルへのアクセスを提供する。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open はSQLiteデータベースを開き、マイグレーションを適用する。
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("データディレクトリの作成に失敗: %w", err)
		}
	}

	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// OpenDB はWALモードとbusy_timeoutを有効にしてSQLiteに接続する。
// プラグマは接続ごとに適用されるようDSNで指定する。
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	return db, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// chunk はidsを最大size件ずつに分割する。
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// placeholders は n 個の "?" をカンマ区切りで返し、argsを組み立てる。
func placeholders(ids []string) (string, []any) {
	args := make([]any, len(ids))
	buf := make([]byte, 0, len(ids)*2)
	for i, id := range ids {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
		args[i] = id
	}
	return string(buf), args
}
