// Package event はワークショップ変更フィードで流れるイベントの型を定義する。
//
// ワークショップサービスが発行する変更イベントは不変であり、
// フィード上の位置（Position）によって順序付けられる。
package event

import (
	"encoding/json"
	"strings"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeWorkshop はワークショップエンティティを表す。
	AggregateTypeWorkshop AggregateType = "Workshop"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeWorkshopCreated はワークショップが新規登録されたことを表す。
	TypeWorkshopCreated Type = "WorkshopCreated"
	// TypeWorkshopUpdated はワークショップの内容が更新されたことを表す。
	TypeWorkshopUpdated Type = "WorkshopUpdated"
	// TypeWorkshopDeleted はワークショップが削除されたことを表す。
	TypeWorkshopDeleted Type = "WorkshopDeleted"
)

// Position は変更フィード上の位置。値の大小はフィード上の順序と一致する。
// 消費側は値の意味を解釈せず、再開用のトークンとしてのみ扱う。
type Position int64

// Event は変更フィードに記録された1件のイベント。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Position はフィード上の位置。
	Position Position `json:"position"`
	// CreatedAt はイベントが記録された日時。
	CreatedAt time.Time `json:"created_at"`
}

// WorkshopCreatedData はWorkshopCreatedイベントのデータ。
type WorkshopCreatedData struct {
	// ArtistIDs はワークショップに登壇するアーティストIDの一覧（順序付き）。
	ArtistIDs []string `json:"artist_id_list"`
	// Title はワークショップのタイトル。
	Title string `json:"title,omitempty"`
}

// WorkshopCreated は通知パイプラインに渡される新規ワークショップイベント。
// このサブシステムでは永続化しない。
type WorkshopCreated struct {
	// WorkshopID は新規登録されたワークショップのID。
	WorkshopID string
	// ArtistIDs は重複と空文字を除いたアーティストIDの一覧。
	ArtistIDs []string
	// Title はワークショップのタイトル。空の場合がある。
	Title string
	// ObservedAt は変更検知器がイベントを受信した日時。
	ObservedAt time.Time
	// Position はイベントのフィード上の位置。
	Position Position
}

// NormalizeArtistIDs は前後の空白を除去し、空文字と重複を取り除く。
// 最初に出現した順序を保持する。
func NormalizeArtistIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
