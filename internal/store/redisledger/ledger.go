// Package redisledger はRedisをバックエンドとする送信済み台帳を提供する。
//
// 複数ホストでパイプラインを分担する構成のために、SQLiteの台帳と同じ
// 書き込み一回きりの意味論をSETNXで実現する。
package redisledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/workshoppush/internal/store"
)

// DefaultKeyPrefix はキープレフィックスの既定値。
const DefaultKeyPrefix = "pushdispatcher:ledger"

// Ledger はRedis上の送信済み台帳。
type Ledger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New はRedisクライアントから台帳を生成する。ttlが0の場合はキーを失効させない。
func New(client *redis.Client, prefix string, ttl time.Duration) *Ledger {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Ledger{client: client, prefix: prefix, ttl: ttl}
}

// Dial はURLからRedisに接続し、疎通を確認した上で台帳を生成する。
func Dial(ctx context.Context, url, prefix string, ttl time.Duration) (*Ledger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("RedisのURL解析に失敗: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return New(client, prefix, ttl), nil
}

// key は(workshopID, userID)の台帳キーを返す。
// IDに区切り文字が含まれても衝突しないよう、workshopIDの長さを前置する。
func (l *Ledger) key(workshopID, userID string) string {
	return l.prefix + ":" + strconv.Itoa(len(workshopID)) + ":" + workshopID + ":" + userID
}

// HasSent は(workshopID, userID)が記録済みかを返す。
func (l *Ledger) HasSent(ctx context.Context, workshopID, userID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(workshopID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("送信済み台帳の確認に失敗: %w", err)
	}
	return n > 0, nil
}

// MarkSent は(workshopID, userID)を記録する。既に記録済みの場合は何もしない。
func (l *Ledger) MarkSent(ctx context.Context, workshopID, userID string, outcome store.Outcome) (bool, error) {
	value := string(outcome) + "@" + time.Now().UTC().Format(time.RFC3339Nano)
	ok, err := l.client.SetNX(ctx, l.key(workshopID, userID), value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("送信済み台帳への記録に失敗: %w", err)
	}
	return ok, nil
}

// Outcome は記録済みの結果を返す。未記録の場合はstore.ErrNotFoundを返す。
func (l *Ledger) Outcome(ctx context.Context, workshopID, userID string) (store.Outcome, error) {
	v, err := l.client.Get(ctx, l.key(workshopID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("送信済み台帳の取得に失敗: %w", err)
	}
	for i := 0; i < len(v); i++ {
		if v[i] == '@' {
			return store.Outcome(v[:i]), nil
		}
	}
	return store.Outcome(v), nil
}

// Ping はRedisへの疎通を確認する。
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close はRedisクライアントを閉じる。
func (l *Ledger) Close() error {
	return l.client.Close()
}
