package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvString returns the trimmed value of key and whether it was set to a non-empty value.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvBool parses key with strconv.ParseBool.
func EnvBool(key string) (bool, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, true, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvDuration accepts Go durations ("30s") or bare milliseconds ("30000").
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, true, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// ApplyEnv overrides cfg fields from MCW_* environment variables.
func ApplyEnv(cfg *Config) error {
	stringVars := map[string]*string{
		"MCW_HOST_MODE":         &cfg.HostMode,
		"MCW_PAGE_URL":          &cfg.PageURL,
		"MCW_SEARCH_URL":        &cfg.SearchURL,
		"MCW_SEARCH_PREFIX":     &cfg.SearchPrefix,
		"MCW_INGEST_URL":        &cfg.IngestURL,
		"MCW_DETAIL_INGEST_URL": &cfg.DetailIngestURL,
		"MCW_PRICE_MASTER_URL":  &cfg.PriceMasterURL,
		"MCW_API_KEY":           &cfg.APIKey,
		"MCW_SESSION_BACKEND":   &cfg.SessionBackend,
		"MCW_SESSION_ID":        &cfg.SessionID,
		"MCW_SESSION_DIR":       &cfg.SessionDir,
		"MCW_REDIS_ADDR":        &cfg.RedisAddr,
		"MCW_REDIS_PASSWORD":    &cfg.RedisPassword,
		"MCW_METRICS_ADDR":      &cfg.MetricsAddr,
		"MCW_TIMEZONE":          &cfg.Timezone,
		"MCW_EXCHANGE_LOG_JSON": &cfg.ExchangeLogJSON,
		"MCW_EXCHANGE_LOG_CSV":  &cfg.ExchangeLogCSV,
		"MCW_LOG_INGEST_URL":    &cfg.LogIngestURL,
	}
	for key, target := range stringVars {
		if value, ok := EnvString(key); ok {
			*target = value
		}
	}

	ints := map[string]*int{
		"MCW_DETAIL_CONCURRENCY": &cfg.DetailConcurrency,
		"MCW_MAX_RELOADS":        &cfg.MaxReloads,
		"MCW_DEDUPE_MAX_SIZE":    &cfg.DedupeMaxSize,
		"MCW_MAX_LOG_CHARS":      &cfg.MaxLogChars,
		"MCW_PIPELINE_WORKERS":   &cfg.PipelineWorkers,
	}
	for key, target := range ints {
		value, ok, err := EnvInt(key)
		if err != nil {
			return err
		}
		if ok {
			*target = value
		}
	}

	durations := map[string]*time.Duration{
		"MCW_POLL_INTERVAL":       &cfg.PollInterval,
		"MCW_DETAIL_TIMEOUT":      &cfg.DetailTimeout,
		"MCW_RELOAD_DELAY":        &cfg.ReloadDelay,
		"MCW_MIN_RELOAD_INTERVAL": &cfg.MinReloadInterval,
		"MCW_SESSION_TTL":         &cfg.SessionTTL,
	}
	for key, target := range durations {
		value, ok, err := EnvDuration(key)
		if err != nil {
			return err
		}
		if ok {
			*target = value
		}
	}

	bools := map[string]*bool{
		"MCW_INGEST_ENABLED":      &cfg.IngestEnabled,
		"MCW_RELOAD_ENABLED":      &cfg.ReloadEnabled,
		"MCW_RELOAD_ONLY_VISIBLE": &cfg.ReloadOnlyWhenVisible,
		"MCW_HEADLESS":            &cfg.Headless,
		"MCW_VERBOSE":             &cfg.Verbose,
	}
	for key, target := range bools {
		value, ok, err := EnvBool(key)
		if err != nil {
			return err
		}
		if ok {
			*target = value
		}
	}

	return nil
}
