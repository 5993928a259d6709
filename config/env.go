package config

import (
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv so tests can inject a fixed environment.
type LookupFunc func(string) (string, bool)

// stringVars maps environment variables onto string fields. Earlier names win, so the
// PAYCHAT_ prefixed variable overrides the historical unprefixed one.
func stringVars(cfg *Config) map[*string][]string {
	return map[*string][]string{
		&cfg.Env:                            {"PAYCHAT_ENV", "NODE_ENV"},
		&cfg.Database.DSN:                   {"PAYCHAT_DATABASE_DSN", "DATABASE_URL"},
		&cfg.Database.Driver:                {"PAYCHAT_DATABASE_DRIVER"},
		&cfg.Database.Path:                  {"PAYCHAT_DATABASE_PATH"},
		&cfg.Ledger.Network:                 {"PAYCHAT_LEDGER_NETWORK", "SOLANA_NETWORK"},
		&cfg.Ledger.RPCURL:                  {"PAYCHAT_LEDGER_RPC_URL", "SOLANA_RPC_MAINNET"},
		&cfg.Payment.TreasuryAddress:        {"PAYCHAT_TREASURY_ADDRESS", "TREASURY_ADDRESS"},
		&cfg.Payment.TokenSink:              {"PAYCHAT_TOKEN_SINK_ADDRESS", "SOFT_BURN_ADDRESS"},
		&cfg.Payment.DefaultContractAddress: {"PAYCHAT_DEFAULT_CONTRACT_ADDRESS"},
		&cfg.Responder.APIKey:               {"PAYCHAT_RESPONDER_API_KEY", "OPENAI_API_KEY"},
		&cfg.Responder.BaseURL:              {"PAYCHAT_RESPONDER_BASE_URL"},
		&cfg.Admin.APIKey:                   {"PAYCHAT_ADMIN_API_KEY", "ADMIN_API_KEY"},
		&cfg.Admin.JWTSecret:                {"PAYCHAT_ADMIN_JWT_SECRET"},
		&cfg.Telemetry.Endpoint:             {"OTEL_EXPORTER_OTLP_ENDPOINT"},
		&cfg.Telemetry.Headers:              {"OTEL_EXPORTER_OTLP_HEADERS"},
		&cfg.Logging.Level:                  {"PAYCHAT_LOG_LEVEL"},
		&cfg.Logging.File:                   {"PAYCHAT_LOG_FILE"},
	}
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	for field, keys := range stringVars(cfg) {
		if value, ok := firstSet(lookup, keys...); ok {
			*field = value
		}
	}

	if port, ok := firstSet(lookup, "PORT"); ok {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("parse PORT %q: %w", port, err)
		}
		cfg.Server.Listen = ":" + port
	}
	if listen, ok := firstSet(lookup, "PAYCHAT_LISTEN"); ok {
		cfg.Server.Listen = listen
	}
	if origin, ok := firstSet(lookup, "FRONTEND_URL"); ok {
		cfg.CORS.AllowedOrigins = splitList(origin)
	}
	if insecure, ok := firstSet(lookup, "OTEL_EXPORTER_OTLP_INSECURE"); ok {
		parsed, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("parse OTEL_EXPORTER_OTLP_INSECURE %q: %w", insecure, err)
		}
		cfg.Telemetry.Insecure = parsed
	}
	if raw, ok := firstSet(lookup, "PAYCHAT_TRACES"); ok {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parse PAYCHAT_TRACES %q: %w", raw, err)
		}
		cfg.Telemetry.Traces = parsed
	}
	return nil
}

func firstSet(lookup LookupFunc, keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := lookup(key); ok {
			if value = strings.TrimSpace(value); value != "" {
				return value, true
			}
		}
	}
	return "", false
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
