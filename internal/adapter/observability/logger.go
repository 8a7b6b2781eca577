package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/casare-rpa/internal/config"
	"github.com/fairyhunter13/casare-rpa/pkg/redact"
)

// SetupLogger configures a JSON slog logger with environment fields.
// Every record passes through the redact handler so values under
// sensitive keys never reach the output.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	vocab, err := redact.LoadVocabulary(cfg.RedactConfigPath)
	if err != nil {
		vocab = redact.Default()
	}
	h := redact.NewHandler(slog.NewJSONHandler(os.Stdout, opts), vocab)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	if err != nil {
		logger.Warn("redact vocabulary file unreadable, using defaults",
			slog.String("path", cfg.RedactConfigPath), slog.Any("error", err))
	}
	return logger
}
