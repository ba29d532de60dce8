package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogger builds a logger honoring --log-level, defaulting to
// warn so the demo's own colored trace output isn't drowned out.
func configureLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	level := logrus.WarnLevel
	if s, _ := cmd.Flags().GetString("log-level"); s != "" {
		parsed, err := logrus.ParseLevel(s)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
		}
		level = parsed
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	return logger, nil
}
