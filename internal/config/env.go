package config

// lookupFunc は環境変数の参照関数。テストで差し替えるために抽象化している。
type lookupFunc func(key string) (string, bool)

// applyEnv は環境変数で設定を上書きする。空文字の環境変数は無視する。
func (c *Config) applyEnv(lookup lookupFunc) {
	overrides := []struct {
		key    string
		target *string
	}{
		{"PORT", &c.Server.Port},
		{"JWT_SECRET", &c.Server.JWTSecret},
		{"DATA_DIR", &c.Storage.DataDir},
		{"DB_PATH", &c.Storage.DBPath},
		{"FEED_DB_PATH", &c.Feed.DBPath},
		{"PUSH_BASE_URL", &c.Provider.BaseURL},
		{"PUSH_TOPIC", &c.Provider.Topic},
		{"PUSH_KEY_PATH", &c.Credential.KeyPath},
		{"PUSH_KEY_ID", &c.Credential.KeyID},
		{"PUSH_TEAM_ID", &c.Credential.TeamID},
		{"LEDGER_BACKEND", &c.Ledger.Backend},
		{"REDIS_URL", &c.Ledger.RedisURL},
		{"LOG_LEVEL", &c.Logging.Level},
	}
	for _, o := range overrides {
		if v, ok := lookup(o.key); ok && v != "" {
			*o.target = v
		}
	}
}
