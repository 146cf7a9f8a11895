package store

import (
	"context"
	"fmt"
)

// Subscribe はユーザーのアーティストへのリアクションを登録する。
// 論理削除済みの行が存在する場合は新規に挿入せず、その行を復活させる。
func (s *Store) Subscribe(ctx context.Context, userID, artistID string, kind ReactionKind) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, target_entity_id, target_entity_type, reaction_kind, created_at, updated_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (user_id, target_entity_id, reaction_kind) DO UPDATE SET
			is_deleted = 0,
			updated_at = excluded.updated_at
		WHERE subscriptions.is_deleted = 1`,
		userID, artistID, string(EntityTypeArtist), string(kind), now, now,
	)
	if err != nil {
		return fmt.Errorf("購読の登録に失敗: %w", err)
	}
	return nil
}

// Unsubscribe はリアクションを論理削除する。該当行がない場合は何もしない。
func (s *Store) Unsubscribe(ctx context.Context, userID, artistID string, kind ReactionKind) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET is_deleted = 1, updated_at = ?
		WHERE user_id = ? AND target_entity_id = ? AND reaction_kind = ? AND is_deleted = 0`,
		s.now(), userID, artistID, string(kind),
	)
	if err != nil {
		return fmt.Errorf("購読の解除に失敗: %w", err)
	}
	return nil
}

// GetSubscription は1件の購読を取得する。論理削除済みの行も返す。
func (s *Store) GetSubscription(ctx context.Context, userID, artistID string, kind ReactionKind) (Subscription, error) {
	var (
		sub       Subscription
		entity    string
		reaction  string
		isDeleted int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, target_entity_id, target_entity_type, reaction_kind, created_at, updated_at, is_deleted
		FROM subscriptions
		WHERE user_id = ? AND target_entity_id = ? AND reaction_kind = ?`,
		userID, artistID, string(kind),
	).Scan(&sub.UserID, &sub.TargetEntityID, &entity, &reaction, &sub.CreatedAt, &sub.UpdatedAt, &isDeleted)
	if err != nil {
		return Subscription{}, wrapNotFound(err, "購読の取得に失敗")
	}
	sub.TargetEntityType = EntityType(entity)
	sub.ReactionKind = ReactionKind(reaction)
	sub.IsDeleted = isDeleted != 0
	return sub, nil
}

// FindNotifySubscribers はartistIDsのいずれかにNOTIFYで購読しているユーザーIDを返す。
// 重複はバッチ内でのみ除かれ、バッチをまたぐと同じユーザーが複数回含まれることがある。
// ユーザーごとに1回にまとめるのはresolverの責務。
func (s *Store) FindNotifySubscribers(ctx context.Context, artistIDs []string) ([]string, error) {
	var users []string

	for _, batch := range chunk(artistIDs, maxBatch) {
		in, args := placeholders(batch)
		query := `
			SELECT DISTINCT user_id FROM subscriptions
			WHERE target_entity_type = ? AND reaction_kind = ? AND is_deleted = 0
			  AND target_entity_id IN (` + in + `)
			ORDER BY user_id`
		args = append([]any{string(EntityTypeArtist), string(ReactionNotify)}, args...)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("通知購読者の検索に失敗: %w", err)
		}
		for rows.Next() {
			var userID string
			if err := rows.Scan(&userID); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("通知購読者の読み込みに失敗: %w", err)
			}
			users = append(users, userID)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("通知購読者の読み込みに失敗: %w", err)
		}
	}
	return users, nil
}
