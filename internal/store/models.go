package store

import "time"

// EntityType は購読対象エンティティの種類。
type EntityType string

// EntityTypeArtist はアーティストを表す。
const EntityTypeArtist EntityType = "ARTIST"

// ReactionKind はユーザーのリアクションの種類。
type ReactionKind string

const (
	// ReactionLike は「いいね」を表す。通知対象ではない。
	ReactionLike ReactionKind = "LIKE"
	// ReactionNotify は新規ワークショップの通知を希望することを表す。
	ReactionNotify ReactionKind = "NOTIFY"
)

// ParseReactionKind は文字列をReactionKindに変換する。
func ParseReactionKind(s string) (ReactionKind, bool) {
	switch ReactionKind(s) {
	case ReactionLike, ReactionNotify:
		return ReactionKind(s), true
	default:
		return "", false
	}
}

// Platform は端末のプラットフォーム。
type Platform string

const (
	// PlatformIOS はiOS端末を表す。
	PlatformIOS Platform = "IOS"
	// PlatformAndroid はAndroid端末を表す。
	PlatformAndroid Platform = "ANDROID"
)

// ParsePlatform は文字列をPlatformに変換する。
func ParsePlatform(s string) (Platform, bool) {
	switch Platform(s) {
	case PlatformIOS, PlatformAndroid:
		return Platform(s), true
	default:
		return "", false
	}
}

// Subscription はユーザーのアーティストへのリアクション。
type Subscription struct {
	UserID           string
	TargetEntityID   string
	TargetEntityType EntityType
	ReactionKind     ReactionKind
	CreatedAt        time.Time
	UpdatedAt        time.Time
	IsDeleted        bool
}

// DeviceToken はユーザーの端末トークン。
type DeviceToken struct {
	UserID    string
	Token     string
	Platform  Platform
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outcome は台帳に記録する終端結果。
type Outcome string

const (
	// OutcomeSent は少なくとも1台の端末に配信できたことを表す。
	OutcomeSent Outcome = "sent"
	// OutcomeExhausted はリトライ上限に達したことを表す。
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeUnreachable は有効な端末が残っていないことを表す。
	OutcomeUnreachable Outcome = "unreachable"
)

// LedgerEntry は送信済み台帳の1行。
type LedgerEntry struct {
	WorkshopID string
	UserID     string
	Outcome    Outcome
	SentAt     time.Time
}
