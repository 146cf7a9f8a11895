package workshopfeed

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nao1215/workshoppush/pkg/event"
)

// openTestFeed はテストごとに独立したフィードを構築するヘルパー関数。
func openTestFeed(t *testing.T) *SQLiteFeed {
	t.Helper()

	f, err := Open(context.Background(), filepath.Join(t.TempDir(), "feed.db"), WithPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("フィードの初期化に失敗: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func publish(t *testing.T, f *SQLiteFeed, workshopID string, artistIDs ...string) *event.Event {
	t.Helper()
	e, err := f.PublishWorkshopCreated(context.Background(), workshopID, "", artistIDs)
	if err != nil {
		t.Fatalf("PublishWorkshopCreated()でエラーが発生: %v", err)
	}
	return e
}

// TestSubscribe は購読の再開と順序を検証する。
func TestSubscribe(t *testing.T) {
	t.Parallel()

	t.Run("正常系_指定位置より後の変更が順に返ること", func(t *testing.T) {
		t.Parallel()

		f := openTestFeed(t)
		ctx := context.Background()
		first := publish(t, f, "w1", "a1")
		publish(t, f, "w2", "a2")
		publish(t, f, "w3", "a3")

		sub, err := f.Subscribe(ctx, first.Position)
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		defer sub.Close()

		for _, want := range []string{"w2", "w3"} {
			e, err := sub.Next(ctx)
			if err != nil {
				t.Fatalf("Next()でエラーが発生: %v", err)
			}
			if e.AggregateID != want {
				t.Errorf("AggregateID = %q, want %q", e.AggregateID, want)
			}
			if e.EventType != event.TypeWorkshopCreated {
				t.Errorf("EventType = %q, want %q", e.EventType, event.TypeWorkshopCreated)
			}
		}
	})

	t.Run("正常系_購読後に追記された変更も届くこと", func(t *testing.T) {
		t.Parallel()

		f := openTestFeed(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		head, err := f.Head(ctx)
		if err != nil {
			t.Fatalf("Head()でエラーが発生: %v", err)
		}
		sub, err := f.Subscribe(ctx, head)
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		defer sub.Close()

		go func() {
			time.Sleep(30 * time.Millisecond)
			_, _ = f.PublishWorkshopCreated(context.Background(), "late", "", []string{"a1"})
		}()

		e, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next()でエラーが発生: %v", err)
		}
		if e.AggregateID != "late" {
			t.Errorf("AggregateID = %q, want late", e.AggregateID)
		}

		data, err := event.DecodeData[event.WorkshopCreatedData](e)
		if err != nil {
			t.Fatalf("DecodeData()でエラーが発生: %v", err)
		}
		if len(data.ArtistIDs) != 1 || data.ArtistIDs[0] != "a1" {
			t.Errorf("ArtistIDs = %v, want [a1]", data.ArtistIDs)
		}
	})

	t.Run("正常系_Headは既存の変更を再生しないこと", func(t *testing.T) {
		t.Parallel()

		f := openTestFeed(t)
		publish(t, f, "old", "a1")

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		head, err := f.Head(ctx)
		if err != nil {
			t.Fatalf("Head()でエラーが発生: %v", err)
		}
		sub, err := f.Subscribe(ctx, head)
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		defer sub.Close()

		if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want context.DeadlineExceeded", err)
		}
	})

	t.Run("異常系_閉じた購読はErrClosedを返すこと", func(t *testing.T) {
		t.Parallel()

		f := openTestFeed(t)
		sub, err := f.Subscribe(context.Background(), 0)
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		sub.Close()
		if _, err := sub.Next(context.Background()); !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	})
}

// TestPrune は履歴削除後の再開位置の扱いを検証する。
func TestPrune(t *testing.T) {
	t.Parallel()

	t.Run("異常系_削除済みの位置から再開するとErrPositionExpiredになること", func(t *testing.T) {
		t.Parallel()

		f := openTestFeed(t)
		ctx := context.Background()
		old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		for _, id := range []string{"w1", "w2"} {
			e, err := event.New(id, event.AggregateTypeWorkshop, event.TypeWorkshopCreated, event.WorkshopCreatedData{ArtistIDs: []string{"a1"}})
			if err != nil {
				t.Fatalf("event.New()でエラーが発生: %v", err)
			}
			e.CreatedAt = old
			if _, err := f.Append(ctx, e); err != nil {
				t.Fatalf("Append()でエラーが発生: %v", err)
			}
		}
		recent := publish(t, f, "w3", "a1")

		n, err := f.Prune(ctx, old.Add(time.Hour))
		if err != nil {
			t.Fatalf("Prune()でエラーが発生: %v", err)
		}
		if n != 2 {
			t.Errorf("削除件数 = %d, want 2", n)
		}

		if _, err := f.Subscribe(ctx, 0); !errors.Is(err, ErrPositionExpired) {
			t.Errorf("err = %v, want ErrPositionExpired", err)
		}

		sub, err := f.Subscribe(ctx, recent.Position-1)
		if err != nil {
			t.Fatalf("削除境界からのSubscribe()でエラーが発生: %v", err)
		}
		defer sub.Close()
		e, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next()でエラーが発生: %v", err)
		}
		if e.AggregateID != "w3" {
			t.Errorf("AggregateID = %q, want w3", e.AggregateID)
		}
	})

	t.Run("正常系_全件削除後もHeadが後退しないこと", func(t *testing.T) {
		t.Parallel()

		f := openTestFeed(t)
		ctx := context.Background()
		e := publish(t, f, "w1", "a1")

		if _, err := f.Prune(ctx, time.Now().Add(time.Hour)); err != nil {
			t.Fatalf("Prune()でエラーが発生: %v", err)
		}
		head, err := f.Head(ctx)
		if err != nil {
			t.Fatalf("Head()でエラーが発生: %v", err)
		}
		if head != e.Position {
			t.Errorf("Head() = %d, want %d", head, e.Position)
		}

		next := publish(t, f, "w2", "a1")
		if next.Position <= e.Position {
			t.Errorf("削除後の位置 %d が以前の位置 %d 以下になった", next.Position, e.Position)
		}
	})
}

// TestRunRetention は保持期間を過ぎた履歴の定期削除を検証する。
func TestRunRetention(t *testing.T) {
	t.Parallel()

	t.Run("正常系_保持期間を過ぎた履歴が削除されること", func(t *testing.T) {
		t.Parallel()

		f := openTestFeed(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		old, err := event.New("w-old", event.AggregateTypeWorkshop, event.TypeWorkshopCreated, event.WorkshopCreatedData{ArtistIDs: []string{"a1"}})
		if err != nil {
			t.Fatalf("event.New()でエラーが発生: %v", err)
		}
		old.CreatedAt = time.Now().Add(-48 * time.Hour)
		if _, err := f.Append(ctx, old); err != nil {
			t.Fatalf("Append()でエラーが発生: %v", err)
		}
		fresh := publish(t, f, "w-new", "a1")

		done := make(chan error, 1)
		go func() { done <- f.RunRetention(ctx, 24*time.Hour, 10*time.Millisecond, slog.New(slog.DiscardHandler)) }()

		deadline := time.Now().Add(2 * time.Second)
		for {
			_, err := f.Subscribe(ctx, 0)
			if errors.Is(err, ErrPositionExpired) {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("履歴が削除されなかった: %v", err)
			}
			time.Sleep(10 * time.Millisecond)
		}

		sub, err := f.Subscribe(ctx, old.Position)
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		defer sub.Close()
		e, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next()でエラーが発生: %v", err)
		}
		if e.Position != fresh.Position {
			t.Errorf("Position = %d, want %d", e.Position, fresh.Position)
		}

		cancel()
		if err := <-done; err != nil {
			t.Errorf("RunRetention() = %v, want nil", err)
		}
	})
}
