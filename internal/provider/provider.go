package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/workshoppush/internal/credential"
	"github.com/nao1215/workshoppush/internal/store"
	"github.com/nao1215/workshoppush/pkg/httpclient"
)

// Outcome は送信結果の分類。
type Outcome int

const (
	// OutcomeSuccess はプロバイダが送信を受け付けたことを表す。
	OutcomeSuccess Outcome = iota
	// OutcomePermanentToken は端末トークンが恒久的に無効であることを表す。
	OutcomePermanentToken
	// OutcomePermanentJob はリクエストが恒久的に拒否されたが、トークン自体は有効な可能性があることを表す。
	OutcomePermanentJob
	// OutcomeTransient は時間をおけば成功する可能性がある失敗を表す。
	OutcomeTransient
)

// String はログ出力用の文字列を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePermanentToken:
		return "permanent_token"
	case OutcomePermanentJob:
		return "permanent_job"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// 端末トークンが恒久的に無効であることを示す理由。
var permanentTokenReasons = map[string]struct{}{
	"BadDeviceToken":         {},
	"Unregistered":           {},
	"DeviceTokenNotForTopic": {},
	"TopicDisallowed":        {},
}

// 認証トークンの再生成で回復する理由。
var credentialReasons = map[string]struct{}{
	"ExpiredProviderToken": {},
	"InvalidProviderToken": {},
}

// Message は1台の端末へのプッシュ通知。
type Message struct {
	Platform   store.Platform
	Token      string
	WorkshopID string
	Title      string
	Body       string
}

// Result は送信結果。
type Result struct {
	Outcome Outcome
	// StatusCode はHTTPステータス。通信エラーの場合は0。
	StatusCode int
	// Reason はプロバイダが返した理由。
	Reason string
	// RequestID はリクエストに付与したapns-id。
	RequestID string
	// RetryAfter はプロバイダが指定した再試行までの待機時間。
	RetryAfter time.Duration
	// CredentialRejected は認証トークンが拒否されたことを表す。
	CredentialRejected bool
	// Err は失敗の詳細。
	Err error
}

// Sender はプッシュ通知を送信する。
type Sender interface {
	Send(ctx context.Context, cred *credential.Credential, msg Message) Result
}

// Client はHTTPでプッシュプロバイダに送信するクライアント。
type Client struct {
	http  *httpclient.Client
	topic string
	newID func() string
}

// New はプッシュプロバイダのクライアントを生成する。
func New(baseURL, topic string, timeout time.Duration) *Client {
	return &Client{
		http:  httpclient.New(strings.TrimRight(baseURL, "/"), httpclient.WithTimeout(timeout)),
		topic: topic,
		newID: func() string { return uuid.New().String() },
	}
}

// payload はプロバイダに送信するボディ。
type payload struct {
	Aps        aps    `json:"aps"`
	WorkshopID string `json:"workshop_id"`
}

type aps struct {
	Alert alert  `json:"alert"`
	Sound string `json:"sound,omitempty"`
}

type alert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// errorResponse はプロバイダのエラー応答。
type errorResponse struct {
	Reason string `json:"reason"`
}

// Send はmsgを送信し、応答を分類して返す。
func (c *Client) Send(ctx context.Context, cred *credential.Credential, msg Message) Result {
	requestID := c.newID()
	header := http.Header{}
	header.Set("Authorization", "bearer "+cred.Token)
	header.Set("apns-id", requestID)
	header.Set("apns-push-type", "alert")
	if c.topic != "" {
		header.Set("apns-topic", c.topic)
	}

	path := "/push/" + strings.ToLower(string(msg.Platform)) + "/" + url.PathEscape(msg.Token)
	body := payload{
		Aps:        aps{Alert: alert{Title: msg.Title, Body: msg.Body}, Sound: "default"},
		WorkshopID: msg.WorkshopID,
	}

	err := c.http.PostJSON(ctx, path, header, body, nil)
	result := Classify(err)
	result.RequestID = requestID
	return result
}

// Classify はプロバイダ呼び出しのエラーを分類する。
func Classify(err error) Result {
	if err == nil {
		return Result{Outcome: OutcomeSuccess, StatusCode: http.StatusOK}
	}

	se, ok := httpclient.AsStatusError(err)
	if !ok {
		return Result{Outcome: OutcomeTransient, Err: err}
	}

	var resp errorResponse
	_ = json.Unmarshal(se.Body, &resp)
	result := Result{
		StatusCode: se.StatusCode,
		Reason:     resp.Reason,
		Err:        err,
	}

	_, tokenReason := permanentTokenReasons[resp.Reason]
	_, credReason := credentialReasons[resp.Reason]
	switch {
	case se.StatusCode == http.StatusGone:
		result.Outcome = OutcomePermanentToken
	case se.StatusCode == http.StatusBadRequest && tokenReason:
		result.Outcome = OutcomePermanentToken
	case se.StatusCode == http.StatusUnauthorized:
		result.Outcome = OutcomeTransient
		result.CredentialRejected = true
	case se.StatusCode == http.StatusForbidden && credReason:
		result.Outcome = OutcomeTransient
		result.CredentialRejected = true
	case se.StatusCode == http.StatusTooManyRequests:
		result.Outcome = OutcomeTransient
		result.RetryAfter = parseRetryAfter(se.Header.Get("Retry-After"))
	case se.StatusCode >= 500:
		result.Outcome = OutcomeTransient
		result.RetryAfter = parseRetryAfter(se.Header.Get("Retry-After"))
	default:
		result.Outcome = OutcomePermanentJob
	}
	return result
}

// parseRetryAfter は秒数形式のRetry-Afterヘッダーを解釈する。日付形式は無視する。
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Describe はログ出力用に結果を文字列化する。
func (r Result) Describe() string {
	if r.Err == nil {
		return r.Outcome.String()
	}
	var se *httpclient.StatusError
	if errors.As(r.Err, &se) {
		return fmt.Sprintf("%s: status=%d reason=%s", r.Outcome, r.StatusCode, r.Reason)
	}
	return fmt.Sprintf("%s: %v", r.Outcome, r.Err)
}
