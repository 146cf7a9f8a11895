package dispatch

import (
	"time"

	"github.com/nao1215/workshoppush/internal/provider"
	"github.com/nao1215/workshoppush/internal/store"
	"github.com/nao1215/workshoppush/pkg/event"
)

// Status は配信ジョブの状態。
type Status string

const (
	// StatusPending は送信待ち、または再試行待ちの状態。
	StatusPending Status = "PENDING"
	// StatusSent はプロバイダが送信を受け付けた状態。
	StatusSent Status = "SENT"
	// StatusFailedPermanent は恒久的な失敗で打ち切った状態。
	StatusFailedPermanent Status = "FAILED_PERMANENT"
	// StatusFailedExhausted は再試行の上限に達して打ち切った状態。
	StatusFailedExhausted Status = "FAILED_EXHAUSTED"
)

// Terminal は終端状態かを返す。
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Job は1台の端末への配信ジョブ。プロセス内でのみ保持する。
type Job struct {
	WorkshopID string
	UserID     string
	Token      string
	Platform   store.Platform
	Title      string
	Body       string
	// Position はジョブの元になったイベントのフィード上の位置。
	Position event.Position
	// Attempt は実行済みの試行回数。
	Attempt       int
	NextAttemptAt time.Time
	Status        Status
	// Committed は終端結果が台帳に反映されたか、反映が不要であることを表す。
	Committed bool
	// LastError は最後の失敗の内容。
	LastError string

	// settleAttempts は終端結果の反映に失敗した回数。
	settleAttempts int
}

// message はプロバイダへ送るメッセージを組み立てる。
func (j *Job) message() provider.Message {
	return provider.Message{
		Platform:   j.Platform,
		Token:      j.Token,
		WorkshopID: j.WorkshopID,
		Title:      j.Title,
		Body:       j.Body,
	}
}
