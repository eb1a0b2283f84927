package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func (l LoggingConfig) ZerologLevel() (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.InfoLevel, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", l.Level)
}

// Apply configures the global logger.
func (l LoggingConfig) Apply(out io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := l.ZerologLevel()
	zerolog.SetGlobalLevel(level)
	if strings.EqualFold(l.Format, "json") {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
}
