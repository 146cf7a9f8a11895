package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nao1215/workshoppush/internal/config"
	"github.com/nao1215/workshoppush/internal/logger"
)

// commandContext はサブコマンド間で共有するフラグの値を保持する。
type commandContext struct {
	configPath string
	envFile    string
}

// loadEnv は.envファイルを読み込む。既定の.envが存在しない場合は無視する。
func (c *commandContext) loadEnv() error {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil {
			return fmt.Errorf("環境変数ファイルの読み込みに失敗: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf(".envの読み込みに失敗: %w", err)
	}
	return nil
}

// fullConfig は配信に必要な設定をすべて検証して返す。
func (c *commandContext) fullConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(cfg.Logging.Level, cfg.Logging.Format), nil
}

// storageConfig はストア操作に必要な設定だけを検証して返す。
func (c *commandContext) storageConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadStorage(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(cfg.Logging.Level, cfg.Logging.Format), nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "pushdispatcher",
		Short:         "ワークショップの新着をプッシュ通知で配信する",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.loadEnv()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "設定ファイル(TOML)のパス")
	rootCmd.PersistentFlags().StringVar(&ctx.envFile, "env-file", "", "読み込む環境変数ファイルのパス（既定: ./.env）")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newPublishWorkshopCommand(ctx))
	rootCmd.AddCommand(newRegisterDeviceCommand(ctx))
	rootCmd.AddCommand(newSubscribeCommand(ctx))
	rootCmd.AddCommand(newPruneFeedCommand(ctx))

	return rootCmd
}
