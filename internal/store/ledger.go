package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// HasSent は(workshopID, userID)が台帳に記録済みかを返す。
func (s *Store) HasSent(ctx context.Context, workshopID, userID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sent_ledger WHERE workshop_id = ? AND user_id = ?)`,
		workshopID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("送信済み台帳の確認に失敗: %w", err)
	}
	return exists == 1, nil
}

// MarkSent は(workshopID, userID)を台帳に記録する。
// 既に記録済みの場合は何もしない（最初の記録が残る）。新規に記録した場合はtrueを返す。
func (s *Store) MarkSent(ctx context.Context, workshopID, userID string, outcome Outcome) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sent_ledger (workshop_id, user_id, outcome, sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workshop_id, user_id) DO NOTHING`,
		workshopID, userID, string(outcome), s.now(),
	)
	if err != nil {
		return false, fmt.Errorf("送信済み台帳への記録に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("送信済み台帳の記録結果の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// ListLedger はワークショップの台帳エントリをユーザーID順に返す。
func (s *Store) ListLedger(ctx context.Context, workshopID string) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workshop_id, user_id, outcome, sent_at FROM sent_ledger
		WHERE workshop_id = ? ORDER BY user_id`, workshopID)
	if err != nil {
		return nil, fmt.Errorf("送信済み台帳の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []LedgerEntry
	for rows.Next() {
		var (
			e       LedgerEntry
			outcome string
		)
		if err := rows.Scan(&e.WorkshopID, &e.UserID, &outcome, &e.SentAt); err != nil {
			return nil, fmt.Errorf("送信済み台帳の読み込みに失敗: %w", err)
		}
		e.Outcome = Outcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// wrapNotFound はsql.ErrNoRowsをErrNotFoundに変換してラップする。
func wrapNotFound(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
