package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/workshoppush/internal/store"
	"github.com/nao1215/workshoppush/internal/workshopfeed"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "ストアとフィードのスキーマを作成・更新する",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := ctx.storageConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()
			feed, err := workshopfeed.Open(cmd.Context(), cfg.Feed.DBPath)
			if err != nil {
				return err
			}
			defer feed.Close()

			log.Info("マイグレーションが完了しました", "store", cfg.Storage.DBPath, "feed", cfg.Feed.DBPath)
			return nil
		},
	}
}

func newPublishWorkshopCommand(ctx *commandContext) *cobra.Command {
	var (
		workshopID string
		title      string
		artistIDs  []string
	)
	cmd := &cobra.Command{
		Use:   "publish-workshop",
		Short: "ワークショップ作成イベントを変更フィードに追加する",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.storageConfig()
			if err != nil {
				return err
			}
			feed, err := workshopfeed.Open(cmd.Context(), cfg.Feed.DBPath)
			if err != nil {
				return err
			}
			defer feed.Close()

			e, err := feed.PublishWorkshopCreated(cmd.Context(), workshopID, title, artistIDs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s at position %d\n", workshopID, e.Position)
			return nil
		},
	}
	cmd.Flags().StringVar(&workshopID, "id", "", "ワークショップID")
	cmd.Flags().StringVar(&title, "title", "", "ワークショップのタイトル")
	cmd.Flags().StringSliceVar(&artistIDs, "artist", nil, "登壇するアーティストID（複数指定可）")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newRegisterDeviceCommand(ctx *commandContext) *cobra.Command {
	var userID, token, platform string
	cmd := &cobra.Command{
		Use:   "register-device",
		Short: "ユーザーの端末トークンを登録する",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ok := store.ParsePlatform(strings.ToUpper(platform))
			if !ok {
				return fmt.Errorf("platformが不正です: %s", platform)
			}
			return withStore(cmd.Context(), ctx, func(st *store.Store) error {
				if err := st.RegisterToken(cmd.Context(), userID, token, p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s token for %s\n", p, userID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "ユーザーID")
	cmd.Flags().StringVar(&token, "token", "", "端末トークン")
	cmd.Flags().StringVar(&platform, "platform", "", "IOSまたはANDROID")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func newSubscribeCommand(ctx *commandContext) *cobra.Command {
	var userID, artistID, kind string
	var remove bool
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "アーティストへのリアクションを登録・解除する",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ok := store.ParseReactionKind(strings.ToUpper(kind))
			if !ok {
				return fmt.Errorf("kindが不正です: %s", kind)
			}
			return withStore(cmd.Context(), ctx, func(st *store.Store) error {
				if remove {
					return st.Unsubscribe(cmd.Context(), userID, artistID, k)
				}
				return st.Subscribe(cmd.Context(), userID, artistID, k)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "ユーザーID")
	cmd.Flags().StringVar(&artistID, "artist", "", "アーティストID")
	cmd.Flags().StringVar(&kind, "kind", string(store.ReactionNotify), "LIKEまたはNOTIFY")
	cmd.Flags().BoolVar(&remove, "remove", false, "リアクションを解除する")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("artist")
	return cmd
}

func newPruneFeedCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune-feed",
		Short: "古い変更フィードの履歴を削除する",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.storageConfig()
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = cfg.Feed.Retention()
			}
			if olderThan <= 0 {
				return fmt.Errorf("保持期間が指定されていません")
			}
			feed, err := workshopfeed.Open(cmd.Context(), cfg.Feed.DBPath)
			if err != nil {
				return err
			}
			defer feed.Close()

			n, err := feed.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d events\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "この期間より古い履歴を削除する（既定: feed.retention_hours）")
	return cmd
}

// withStore はストアを開いてfnを実行する。
func withStore(ctx context.Context, cc *commandContext, fn func(*store.Store) error) error {
	cfg, _, err := cc.storageConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}
