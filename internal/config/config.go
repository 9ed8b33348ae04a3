package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	ArchiveRoot         string
	Port                int
	LogLevel            string
	LockTTLSeconds      int
	RetentionDays       int
	SoftDeleteGraceDays int
	ArchiveBeforeDelete bool
	PricingHistoryPath  string
	OpenRouterAPIKey    string
	MasterKeyEnv        string
	TokenEncryptionKey  string
	DefaultModel        string
	LedgerBackend       string
	DatabaseURL         string
	NatsURL             string
	NatsToken           string
	SyncProvider        string
	SyncBucket          string
	SyncPrefix          string
	SyncRegion          string
	SyncEndpoint        string
	SyncSubfolderTmpl   string
	SyncOnGeneration    bool
	SyncConflict        string
	RetentionSchedule   string
	LockSweepSchedule   string
}

func Load() Config {
	// Best-effort: a missing .env is not an error.
	_ = godotenv.Load()

	return Config{
		ArchiveRoot:         envStr("ARCHIVE_ROOT", "./summarybot-archive"),
		Port:                envInt("ARCHIVIST_PORT", 8760),
		LogLevel:            envStr("LOG_LEVEL", "info"),
		LockTTLSeconds:      envInt("LOCK_TTL_SECONDS", 300),
		RetentionDays:       envInt("RETENTION_DAYS", 0),
		SoftDeleteGraceDays: envInt("SOFT_DELETE_GRACE_DAYS", 30),
		ArchiveBeforeDelete: envBool("ARCHIVE_BEFORE_DELETE", true),
		PricingHistoryPath:  envStr("PRICING_HISTORY_PATH", ""),
		OpenRouterAPIKey:    envStr("OPENROUTER_API_KEY", ""),
		MasterKeyEnv:        envStr("MASTER_KEY_ENV", "ARCHIVIST_MASTER_KEY"),
		TokenEncryptionKey:  envStr("TOKEN_ENCRYPTION_KEY", ""),
		DefaultModel:        envStr("ARCHIVIST_MODEL", "anthropic/claude-3-haiku"),
		LedgerBackend:       envStr("LEDGER_BACKEND", "file"),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		NatsURL:             envStr("NATS_URL", ""),
		NatsToken:           envStr("NATS_TOKEN", ""),
		SyncProvider:        envStr("SYNC_PROVIDER", ""),
		SyncBucket:          envStr("SYNC_BUCKET", ""),
		SyncPrefix:          envStr("SYNC_PREFIX", ""),
		SyncRegion:          envStr("SYNC_REGION", ""),
		SyncEndpoint:        envStr("SYNC_ENDPOINT", ""),
		SyncSubfolderTmpl:   envStr("SYNC_SUBFOLDER_TEMPLATE", "{server_name}_{server_id}"),
		SyncOnGeneration:    envBool("SYNC_ON_GENERATION", false),
		SyncConflict:        envStr("SYNC_CONFLICT", "local_wins"),
		RetentionSchedule:   envStr("RETENTION_SCHEDULE", "0 4 * * *"),
		LockSweepSchedule:   envStr("LOCK_SWEEP_SCHEDULE", "*/10 * * * *"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
