// Package config содержит логику чтения конфигурации индексатора.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации индексатора.
type Config struct {
	RunAddress    string        `env:"RUN_ADDRESS"`
	DatabaseURI   string        `env:"DATABASE_URI"`
	LedgerAddress string        `env:"LEDGER_ADDRESS"`
	PollInterval  time.Duration `env:"POLL_INTERVAL"`
	BatchSize     int           `env:"BATCH_SIZE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envLedgerAddress := cfg.LedgerAddress
	envPollInterval := cfg.PollInterval
	envBatchSize := cfg.BatchSize

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for ops HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.LedgerAddress, "l", "", "ledger event source address")
	flag.DurationVar(&cfg.PollInterval, "i", time.Second, "event poll interval")
	flag.IntVar(&cfg.BatchSize, "b", 100, "event fetch batch size")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envLedgerAddress != "" {
		cfg.LedgerAddress = envLedgerAddress
	}
	if envPollInterval != 0 {
		cfg.PollInterval = envPollInterval
	}
	if envBatchSize != 0 {
		cfg.BatchSize = envBatchSize
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return cfg, nil
}
