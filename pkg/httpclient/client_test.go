package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testPayload はテスト用のリクエスト/レスポンスペイロード。
type testPayload struct {
	// Name はテスト用の名前フィールド。
	Name string `json:"name"`
	// Value はテスト用の値フィールド。
	Value int `json:"value"`
}

// TestNew はNew関数でクライアントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("デフォルトのタイムアウトが30秒であること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080")
		if client.baseURL != "http://localhost:8080" {
			t.Errorf("baseURL = %q, want %q", client.baseURL, "http://localhost:8080")
		}
		if client.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want 30s", client.httpClient.Timeout)
		}
	})

	t.Run("WithTimeoutでタイムアウトを変更できること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080", WithTimeout(5*time.Second))
		if client.httpClient.Timeout != 5*time.Second {
			t.Errorf("Timeout = %v, want 5s", client.httpClient.Timeout)
		}
	})
}

// TestPostJSON はPostJSON関数を検証する。
func TestPostJSON(t *testing.T) {
	t.Parallel()

	t.Run("ヘッダーとボディが送信されレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		var (
			gotMethod string
			gotPath   string
			gotAuth   string
			gotBody   []byte
		)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			gotBody, _ = io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(testPayload{Name: "response", Value: 200})
		}))
		defer ts.Close()

		client := New(ts.URL)
		header := http.Header{}
		header.Set("Authorization", "bearer token-1")
		var result testPayload

		if err := client.PostJSON(context.Background(), "/push/ios/abc", header, testPayload{Name: "request", Value: 100}, &result); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}

		if gotMethod != http.MethodPost {
			t.Errorf("Method = %q, want %q", gotMethod, http.MethodPost)
		}
		if gotPath != "/push/ios/abc" {
			t.Errorf("Path = %q, want %q", gotPath, "/push/ios/abc")
		}
		if gotAuth != "bearer token-1" {
			t.Errorf("Authorization = %q, want %q", gotAuth, "bearer token-1")
		}
		var sent testPayload
		if err := json.Unmarshal(gotBody, &sent); err != nil {
			t.Fatalf("リクエストボディのパースに失敗: %v", err)
		}
		if sent.Name != "request" || sent.Value != 100 {
			t.Errorf("送信ボディ = %+v", sent)
		}
		if result.Name != "response" || result.Value != 200 {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("2xx以外の応答はStatusErrorとして返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusGone)
			w.Write([]byte(`{"reason":"Unregistered"}`))
		}))
		defer ts.Close()

		client := New(ts.URL)
		err := client.PostJSON(context.Background(), "/push", nil, testPayload{}, nil)
		if err == nil {
			t.Fatal("PostJSON()がエラーを返すべきだが、nilが返った")
		}

		se, ok := AsStatusError(err)
		if !ok {
			t.Fatalf("StatusErrorではない: %v", err)
		}
		if se.StatusCode != http.StatusGone {
			t.Errorf("StatusCode = %d, want %d", se.StatusCode, http.StatusGone)
		}
		if string(se.Body) != `{"reason":"Unregistered"}` {
			t.Errorf("Body = %q", string(se.Body))
		}
		if se.Header.Get("Retry-After") != "3" {
			t.Errorf("Retry-After = %q, want %q", se.Header.Get("Retry-After"), "3")
		}
	})

	t.Run("空のレスポンスボディでもエラーにならないこと", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		client := New(ts.URL)
		var result testPayload
		if err := client.PostJSON(context.Background(), "/push", nil, testPayload{}, &result); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
	})

	t.Run("キャンセルされたコンテキストでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := New(ts.URL).PostJSON(ctx, "/push", nil, testPayload{}, nil)
		if err == nil {
			t.Fatal("PostJSON()がエラーを返すべきだが、nilが返った")
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("context.Canceledを含むべき: %v", err)
		}
	})

	t.Run("シリアライズできないボディでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		err := New("http://127.0.0.1:1").PostJSON(context.Background(), "/push", nil, make(chan int), nil)
		if err == nil {
			t.Fatal("PostJSON()がエラーを返すべきだが、nilが返った")
		}
		if _, ok := AsStatusError(err); ok {
			t.Error("シリアライズエラーはStatusErrorであってはならない")
		}
	})
}

// TestGetJSON はGetJSON関数を検証する。
func TestGetJSON(t *testing.T) {
	t.Parallel()

	t.Run("GETリクエストにボディが含まれないこと", func(t *testing.T) {
		t.Parallel()

		var receivedBody []byte
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			receivedBody, _ = io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(testPayload{Name: "ok", Value: 1})
		}))
		defer ts.Close()

		var result testPayload
		if err := New(ts.URL).GetJSON(context.Background(), "/status", nil, &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if len(receivedBody) != 0 {
			t.Errorf("GETリクエストにボディが含まれている: %q", string(receivedBody))
		}
		if result.Name != "ok" {
			t.Errorf("result.Name = %q, want %q", result.Name, "ok")
		}
	})

	t.Run("不正なJSONレスポンスでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{invalid json}`))
		}))
		defer ts.Close()

		var result testPayload
		if err := New(ts.URL).GetJSON(context.Background(), "/status", nil, &result); err == nil {
			t.Fatal("GetJSON()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("接続できないサーバーに対してエラーが返ること", func(t *testing.T) {
		t.Parallel()

		var result testPayload
		if err := New("http://127.0.0.1:1").GetJSON(context.Background(), "/status", nil, &result); err == nil {
			t.Fatal("GetJSON()がエラーを返すべきだが、nilが返った")
		}
	})
}
