package postgres

func init() {
	Register(Migration{
		Timestamp:   "20260616-153000",
		Description: "webhook endpoints and delivery history",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS webhooks (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				url TEXT NOT NULL,
				events TEXT[] NOT NULL DEFAULT '{}',
				status TEXT NOT NULL DEFAULT 'active',
				secret TEXT NOT NULL,
				retry_policy JSONB NOT NULL DEFAULT '{}',
				timeout_ms INT NOT NULL DEFAULT 30000,
				filters JSONB NOT NULL DEFAULT '{}',
				headers JSONB NOT NULL DEFAULT '{}',
				stats_total BIGINT NOT NULL DEFAULT 0,
				stats_success BIGINT NOT NULL DEFAULT 0,
				stats_failure BIGINT NOT NULL DEFAULT 0,
				consecutive_failures INT NOT NULL DEFAULT 0,
				last_delivery_at TIMESTAMPTZ,
				last_success_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_webhooks_user ON webhooks (user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_webhooks_events ON webhooks USING GIN (events)`,

			`CREATE TABLE IF NOT EXISTS webhook_deliveries (
				id TEXT PRIMARY KEY,
				webhook_id TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
				user_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				payload BYTEA NOT NULL,
				signature TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				attempts JSONB NOT NULL DEFAULT '[]',
				next_retry_at TIMESTAMPTZ,
				delivered_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook ON webhook_deliveries (webhook_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_retry ON webhook_deliveries (next_retry_at) WHERE status = 'retrying'`,
		},
	})
}
