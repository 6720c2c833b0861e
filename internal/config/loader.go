package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is the diagnostic error returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: DATABASE_URL_SSM_PARAM=/prod/x
// resolves into DATABASE_URL.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// ssmResolveTimeout bounds the whole batch resolution at startup.
const ssmResolveTimeout = 30 * time.Second

// loaderDeps holds the environment accessors so tests can run without
// mutating process state.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the configuration:
//  1. Sets the process timezone to UTC.
//  2. Loads a .env file if present.
//  3. Outside APP_ENV=local, resolves _SSM_PARAM pointers via provider.
//  4. Populates Config from envconfig tags.
//  5. Validates struct tags, then cross-field rules.
//
// provider may be nil for local development.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// Missing .env is fine; existing variables are never overridden.
	_ = godotenv.Load()

	if appEnv, _ := deps.lookupEnv("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if err := validateCrossField(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateCrossField checks rules struct tags cannot express.
func validateCrossField(cfg *Config) error {
	if cfg.Queue.Backend == QueueBackendSQS && cfg.Queue.SQSQueueURL == "" {
		return &ConfigError{Type: ErrMissingEnv, Message: "SQS_QUEUE_URL is required when QUEUE_BACKEND=sqs"}
	}
	if cfg.Retry.CounterAuthority == CounterAuthorityBroker && cfg.Queue.Backend != QueueBackendSQS {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "RETRY_COUNTER_AUTHORITY=broker requires a broker queue backend",
		}
	}
	if cfg.Retry.MaxDelay > 0 && cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return &ConfigError{Type: ErrValidation, Message: "RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY"}
	}
	// A claim must outlive the batch that holds it, or a second worker
	// re-claims a job that is still being delivered.
	if budget := cfg.Worker.BatchBudget(); cfg.Worker.StuckAfter <= budget {
		return &ConfigError{
			Type:    ErrValidation,
			Message: fmt.Sprintf("WORKER_STUCK_AFTER must exceed %s (batch waves x (WORKER_ADAPTER_TIMEOUT + %s))", budget, SettleTimeout),
		}
	}
	if cfg.Queue.Backend == QueueBackendSQS {
		if budget := cfg.Worker.BatchBudget(); cfg.Queue.SQSVisibilityTimeout <= budget {
			return &ConfigError{
				Type:    ErrValidation,
				Message: fmt.Sprintf("SQS_VISIBILITY_TIMEOUT must exceed %s (batch waves x (WORKER_ADAPTER_TIMEOUT + %s))", budget, SettleTimeout),
			}
		}
	}
	if cfg.Redis.Required && cfg.Redis.URL.IsEmpty() {
		return &ConfigError{Type: ErrMissingEnv, Message: "REDIS_URL is required when REDIS_REQUIRED=true"}
	}
	if cfg.Environment != localEnv && cfg.Security.AdminAPIKey.IsEmpty() {
		return &ConfigError{Type: ErrMissingEnv, Message: "ADMIN_API_KEY is required outside local"}
	}
	return nil
}

// ResolveSecrets runs only the SSM step. deliveryctl calls it before reading
// individual variables.
func ResolveSecrets(provider SecretProvider) error {
	if appEnv, _ := os.LookupEnv("APP_ENV"); appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// resolveSSMParams fetches every X_SSM_PARAM pointer whose target X is not
// already set, then injects the values so envconfig sees them.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	targets := make(map[string]string) // ssm path -> env var
	var paths []string

	for _, entry := range deps.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		if _, seen := targets[path]; !seen {
			paths = append(paths, path)
		}
		targets[path] = target
	}

	if len(paths) == 0 {
		return nil
	}

	if provider == nil {
		names := make([]string, 0, len(targets))
		for _, target := range targets {
			names = append(names, target)
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(names, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, targets[path])
			continue
		}
		if err := deps.setEnv(targets[path], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", targets[path]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
