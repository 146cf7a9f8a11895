package store

import (
	"context"
	"fmt"
)

// RegisterToken は端末トークンを登録する。
// 同じプラットフォームの同じトークンが既に存在する場合は重複させず、
// updated_atを更新して有効化し、所有者を登録したユーザーに付け替える。
func (s *Store) RegisterToken(ctx context.Context, userID, token string, platform Platform) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_tokens (user_id, token, platform, is_active, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (platform, token) DO UPDATE SET
			user_id = excluded.user_id,
			is_active = 1,
			updated_at = excluded.updated_at`,
		userID, token, string(platform), now, now,
	)
	if err != nil {
		return fmt.Errorf("端末トークンの登録に失敗: %w", err)
	}
	return nil
}

// DeactivateToken は端末トークンを無効化する。
// 既に無効、または存在しない場合は何もせずfalseを返す。
func (s *Store) DeactivateToken(ctx context.Context, platform Platform, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_tokens SET is_active = 0, updated_at = ?
		WHERE platform = ? AND token = ? AND is_active = 1`,
		s.now(), string(platform), token,
	)
	if err != nil {
		return false, fmt.Errorf("端末トークンの無効化に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("端末トークンの無効化結果の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// DeactivateUserToken はユーザー自身が所有するトークンを無効化する。
// 他のユーザーのトークンは変更しない。
func (s *Store) DeactivateUserToken(ctx context.Context, userID string, platform Platform, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_tokens SET is_active = 0, updated_at = ?
		WHERE user_id = ? AND platform = ? AND token = ? AND is_active = 1`,
		s.now(), userID, string(platform), token,
	)
	if err != nil {
		return false, fmt.Errorf("端末トークンの無効化に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("端末トークンの無効化結果の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// FindActiveTokens はuserIDsが所有する有効な端末トークンを返す。
// 有効なトークンを持たないユーザーは結果に含まれない。
func (s *Store) FindActiveTokens(ctx context.Context, userIDs []string) ([]DeviceToken, error) {
	var tokens []DeviceToken

	for _, batch := range chunk(userIDs, maxBatch) {
		in, args := placeholders(batch)
		rows, err := s.db.QueryContext(ctx, `
			SELECT user_id, token, platform, created_at, updated_at
			FROM device_tokens
			WHERE is_active = 1 AND user_id IN (`+in+`)
			ORDER BY user_id, platform, token`, args...)
		if err != nil {
			return nil, fmt.Errorf("有効な端末トークンの検索に失敗: %w", err)
		}
		for rows.Next() {
			var (
				t        DeviceToken
				platform string
			)
			if err := rows.Scan(&t.UserID, &t.Token, &platform, &t.CreatedAt, &t.UpdatedAt); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("端末トークンの読み込みに失敗: %w", err)
			}
			t.Platform = Platform(platform)
			t.IsActive = true
			tokens = append(tokens, t)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("端末トークンの読み込みに失敗: %w", err)
		}
	}
	return tokens, nil
}

// HasActiveToken はユーザーが有効な端末トークンを1件以上持つかを返す。
func (s *Store) HasActiveToken(ctx context.Context, userID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM device_tokens WHERE user_id = ? AND is_active = 1)`,
		userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("有効な端末トークンの確認に失敗: %w", err)
	}
	return exists == 1, nil
}

// GetToken は1件の端末トークンを取得する。無効化済みのトークンも返す。
func (s *Store) GetToken(ctx context.Context, platform Platform, token string) (DeviceToken, error) {
	var (
		t        DeviceToken
		p        string
		isActive int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, token, platform, is_active, created_at, updated_at
		FROM device_tokens WHERE platform = ? AND token = ?`,
		string(platform), token,
	).Scan(&t.UserID, &t.Token, &p, &isActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return DeviceToken{}, wrapNotFound(err, "端末トークンの取得に失敗")
	}
	t.Platform = Platform(p)
	t.IsActive = isActive != 0
	return t, nil
}
