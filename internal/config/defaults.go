package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   "~/.wxhelper",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    8081,
			BotName: "File Transfer",
			BotUser: "wxhelper_bot",
		},
		Backend: BackendConfig{
			Kind:       "browser",
			ProfileDir: "chrome-profile",
			Headless:   true,
		},
		Session: SessionConfig{
			HeartbeatSeconds:      30,
			ReconnectDelaySeconds: 5,
			MaxReconnectAttempts:  10,
			ChallengeTTLSeconds:   120,
			SendTimeoutSeconds:    30,
			SaveIntervalSeconds:   60,
		},
		Updates: UpdatesConfig{
			MaxRetained:      10000,
			MaxAgeHours:      24,
			PollerTTLMinutes: 10,
			MaxPollTimeout:   50,
			PreloadCount:     1000,
		},
		Webhook: WebhookConfig{
			TimeoutSeconds: 10,
		},
		Files: FilesConfig{
			Backend:       "local",
			Dir:           "files",
			RetentionDays: 30,
			MaxUploadMB:   50,
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "wxhelper/",
			},
		},
		Store: StoreConfig{
			DBPath: "wxhelper.db",
		},
		Commands: CommandsConfig{
			Prefixes:       []string{"/"},
			Concurrency:    5,
			TimeoutSeconds: 60,
			PacksDir:       "commands",
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			TickSeconds: 15,
		},
		Mirror: MirrorConfig{
			Queue: "wxhelper.updates",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
