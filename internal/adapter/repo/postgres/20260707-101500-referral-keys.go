package postgres

func init() {
	Register(Migration{
		Timestamp:   "20260707-101500",
		Description: "referral codes and API key credentials on users",
		Up: []string{
			`ALTER TABLE users ADD COLUMN IF NOT EXISTS referral_code TEXT`,
			`ALTER TABLE users ADD COLUMN IF NOT EXISTS api_key_id TEXT`,
			`ALTER TABLE users ADD COLUMN IF NOT EXISTS api_key_hash TEXT`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_referral_code ON users (referral_code) WHERE referral_code IS NOT NULL`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_api_key_id ON users (api_key_id) WHERE api_key_id IS NOT NULL`,
		},
	})
}
