package postgres

func init() {
	Register(Migration{
		Timestamp:   "20260609-094500",
		Description: "job companion tables: generations, ats_analyses, cv_parsing_jobs",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS generations (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				template_id TEXT NOT NULL,
				output_format TEXT NOT NULL,
				customization JSONB NOT NULL DEFAULT '{}',
				input JSONB NOT NULL DEFAULT '{}',
				output_file JSONB,
				stats JSONB,
				error TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_generations_job ON generations (job_id)`,
			`CREATE INDEX IF NOT EXISTS idx_generations_user ON generations (user_id, created_at DESC)`,

			`CREATE TABLE IF NOT EXISTS ats_analyses (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				cv_id TEXT NOT NULL DEFAULT '',
				analysis_type TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				target_job JSONB NOT NULL DEFAULT '{}',
				input_content JSONB NOT NULL DEFAULT '{}',
				results JSONB,
				error TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_ats_analyses_job ON ats_analyses (job_id)`,
			`CREATE INDEX IF NOT EXISTS idx_ats_analyses_user ON ats_analyses (user_id, created_at DESC)`,

			`CREATE TABLE IF NOT EXISTS cv_parsing_jobs (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				cv_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				file_ref TEXT NOT NULL DEFAULT '',
				file_mime TEXT NOT NULL DEFAULT '',
				page_count INT NOT NULL DEFAULT 0,
				raw_text_len INT NOT NULL DEFAULT 0,
				parsed_content JSONB,
				confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
				version_id TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_cv_parsing_jobs_job ON cv_parsing_jobs (job_id)`,
			`CREATE INDEX IF NOT EXISTS idx_cv_parsing_jobs_cv ON cv_parsing_jobs (cv_id, created_at DESC)`,
		},
	})
}
