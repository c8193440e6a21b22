package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogger builds the command logger from the persistent --log-level
// flag. Unset means silent: the commands print their own status lines, so
// transport logs are opt-in.
func configureLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	levelStr, _ := cmd.Flags().GetString("log-level")
	if levelStr == "" {
		return logger, nil
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
	}
	logger.SetLevel(level)
	return logger, nil
}
