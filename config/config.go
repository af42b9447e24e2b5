/*
Package config loads service configuration and provides commission rates.

SOURCES (highest precedence first):
  1. Command-line flags
  2. Environment variables
  3. .env file in the working directory (loaded with godotenv, optional)
  4. Defaults

KEYS:
  PORT               HTTP port (default 8080)
  DATABASE_TYPE      sqlite | postgres (default sqlite)
  DATABASE_URL       SQLite path or Postgres DSN (default commission.db)
  COMISSAO_RESPOSTA  Response commission, decimal string (default 2.00)
  COMISSAO_VENDA     Sale commission, decimal string (default 15.00)
  RETRY_INTERVAL     Failed dispatch replay interval (default 1m)
  LOG_PRODUCTION     true for JSON logs
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/generic"
)

const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

type Config struct {
	Port          int
	DatabaseType  string
	DatabaseURL   string
	Rates         generic.Rates
	RetryInterval time.Duration
	LogProduction bool
}

// LoadDotEnv loads .env if present. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Parse reads flags from args, falling back to the environment.
func Parse(args []string) (Config, error) {
	var (
		cfg           Config
		comissaoResp  string
		comissaoVenda string
		retry         string
	)

	fs := flag.NewFlagSet("commission-engine", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", 0, "HTTP server port")
	fs.StringVar(&cfg.DatabaseType, "db-type", "", "Database type (sqlite or postgres)")
	fs.StringVar(&cfg.DatabaseURL, "db", "", "Database path or DSN")
	fs.StringVar(&comissaoResp, "comissao-resposta", "", "Response commission")
	fs.StringVar(&comissaoVenda, "comissao-venda", "", "Sale commission")
	fs.StringVar(&retry, "retry-interval", "", "Failed dispatch replay interval")
	fs.BoolVar(&cfg.LogProduction, "log-production", false, "JSON logs")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.Port == 0 {
		if portStr := os.Getenv("PORT"); portStr != "" {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return Config{}, errors.New("invalid PORT env variable")
			}
			cfg.Port = port
		} else {
			cfg.Port = 8080
		}
	}

	if cfg.DatabaseType == "" {
		cfg.DatabaseType = envOr("DATABASE_TYPE", DatabaseSQLite)
	}
	if cfg.DatabaseType != DatabaseSQLite && cfg.DatabaseType != DatabasePostgres {
		return Config{}, fmt.Errorf("unsupported database type %q", cfg.DatabaseType)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		if cfg.DatabaseType == DatabasePostgres {
			return Config{}, errors.New("database URL required for postgres (use -db or DATABASE_URL env)")
		}
		cfg.DatabaseURL = "commission.db"
	}

	if comissaoResp == "" {
		comissaoResp = envOr("COMISSAO_RESPOSTA", "2.00")
	}
	if comissaoVenda == "" {
		comissaoVenda = envOr("COMISSAO_VENDA", "15.00")
	}
	rates, err := ParseRates(comissaoResp, comissaoVenda)
	if err != nil {
		return Config{}, err
	}
	cfg.Rates = rates

	if retry == "" {
		retry = envOr("RETRY_INTERVAL", "1m")
	}
	cfg.RetryInterval, err = time.ParseDuration(retry)
	if err != nil || cfg.RetryInterval <= 0 {
		return Config{}, fmt.Errorf("invalid retry interval %q", retry)
	}

	if !cfg.LogProduction {
		cfg.LogProduction, _ = strconv.ParseBool(os.Getenv("LOG_PRODUCTION"))
	}

	return cfg, nil
}

// ParseRates parses the two commission settings. Negative values and values
// finer than a centavo are rejected.
func ParseRates(response, sale string) (generic.Rates, error) {
	r, err := parseMoney("comissaoResposta", response)
	if err != nil {
		return generic.Rates{}, err
	}
	s, err := parseMoney("comissaoVenda", sale)
	if err != nil {
		return generic.Rates{}, err
	}
	return generic.Rates{Response: r, Sale: s}, nil
}

func parseMoney(name, raw string) (generic.Amount, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return generic.Amount{}, fmt.Errorf("%w: %s %q", generic.ErrInvalidAmount, name, raw)
	}
	if d.IsNegative() {
		return generic.Amount{}, fmt.Errorf("%w: %s must not be negative", generic.ErrInvalidAmount, name)
	}
	if !wholeCents(d) {
		return generic.Amount{}, fmt.Errorf("%w: %s %q has fractions of a centavo", generic.ErrInvalidAmount, name, raw)
	}
	return generic.NewAmountFromDecimal(d, generic.CurrencyBRL), nil
}

// wholeCents reports whether d has no digits past the second decimal place.
// "2.50" and "2.500" pass, "2.005" does not.
func wholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
