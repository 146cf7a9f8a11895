package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
// Positionはフィードへの追記時に採番されるため、ここでは設定しない。
func New(aggregateID string, aggregateType AggregateType, eventType Type, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}

// ToWorkshopCreated はWorkshopCreatedイベントを通知パイプライン向けの値に変換する。
// イベントタイプが異なる場合はエラーを返す。
func ToWorkshopCreated(e *Event, observedAt time.Time) (WorkshopCreated, error) {
	if e.EventType != TypeWorkshopCreated {
		return WorkshopCreated{}, fmt.Errorf("WorkshopCreatedイベントではありません: %s", e.EventType)
	}

	data, err := DecodeData[WorkshopCreatedData](e)
	if err != nil {
		return WorkshopCreated{}, err
	}

	return WorkshopCreated{
		WorkshopID: e.AggregateID,
		ArtistIDs:  NormalizeArtistIDs(data.ArtistIDs),
		Title:      data.Title,
		ObservedAt: observedAt,
		Position:   e.Position,
	}, nil
}
