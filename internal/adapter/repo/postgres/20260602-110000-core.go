package postgres

func init() {
	Register(Migration{
		Timestamp:   "20260602-110000",
		Description: "core tables: users, cvs, cv_versions, jobs",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				email TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				lockout_until TIMESTAMPTZ,
				plan_limits JSONB NOT NULL DEFAULT '{}',
				usage_month DATE,
				usage_generations INT NOT NULL DEFAULT 0,
				usage_enhancements INT NOT NULL DEFAULT 0,
				usage_analyses INT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (email)`,

			`CREATE TABLE IF NOT EXISTS cvs (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'draft',
				parsing_status TEXT NOT NULL DEFAULT 'none',
				file_ref TEXT NOT NULL DEFAULT '',
				file_name TEXT NOT NULL DEFAULT '',
				file_size BIGINT NOT NULL DEFAULT 0,
				file_mime TEXT NOT NULL DEFAULT '',
				content JSONB NOT NULL DEFAULT '{}',
				active_version_id TEXT NOT NULL DEFAULT '',
				doc_version BIGINT NOT NULL DEFAULT 1,
				last_parsed_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cvs_user_created ON cvs (user_id, created_at DESC)`,

			`CREATE TABLE IF NOT EXISTS cv_versions (
				id TEXT PRIMARY KEY,
				cv_id TEXT NOT NULL REFERENCES cvs(id) ON DELETE CASCADE,
				user_id TEXT NOT NULL,
				version_number INT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				change_type TEXT NOT NULL DEFAULT 'manual',
				content JSONB NOT NULL DEFAULT '{}',
				content_hash TEXT,
				metadata JSONB NOT NULL DEFAULT '{}',
				is_active BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_cv_versions_number ON cv_versions (cv_id, version_number)`,
			`CREATE INDEX IF NOT EXISTS idx_cv_versions_active ON cv_versions (cv_id) WHERE is_active`,

			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				user_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				priority INT NOT NULL DEFAULT 5,
				progress INT NOT NULL DEFAULT 0,
				current_step TEXT NOT NULL DEFAULT '',
				total_steps INT NOT NULL DEFAULT 0,
				attempts JSONB NOT NULL DEFAULT '[]',
				data JSONB,
				result JSONB,
				error JSONB,
				queued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				started_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ,
				max_retries INT NOT NULL DEFAULT 3,
				retry_count INT NOT NULL DEFAULT 0,
				retry_of TEXT NOT NULL DEFAULT '',
				cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
				dedup_key TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_user_queued ON jobs (user_id, queued_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status_type ON jobs (status, type)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_reaper ON jobs (type, started_at) WHERE status = 'processing'`,
		},
	})
}
