package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nao1215/workshoppush/pkg/event"
)

// LoadCursor は消費者nameの処理済み位置を返す。記録がない場合はfalseを返す。
func (s *Store) LoadCursor(ctx context.Context, name string) (event.Position, bool, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, `SELECT position FROM feed_cursors WHERE name = ?`, name).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("フィード位置の読み込みに失敗: %w", err)
	}
	return event.Position(pos), true, nil
}

// SaveCursor は消費者nameの処理済み位置を記録する。
// 記録済みの位置より小さい値では更新しない。
func (s *Store) SaveCursor(ctx context.Context, name string, pos event.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_cursors (name, position, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at
		WHERE excluded.position > feed_cursors.position`,
		name, int64(pos), s.now(),
	)
	if err != nil {
		return fmt.Errorf("フィード位置の記録に失敗: %w", err)
	}
	return nil
}

// ResetCursor は消費者nameの位置を無条件に書き換える。
// 上流で履歴が失効し、先頭から再開する場合に使用する。
func (s *Store) ResetCursor(ctx context.Context, name string, pos event.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_cursors (name, position, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at`,
		name, int64(pos), s.now(),
	)
	if err != nil {
		return fmt.Errorf("フィード位置のリセットに失敗: %w", err)
	}
	return nil
}
