// Package logging configures the logrus standard logger the packages of
// this module write to.
package logging

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Setup sets the level and formatter of the standard logger.
func Setup(out io.Writer, level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := logrus.StandardLogger()
	switch format {
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	case FormatText, "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	if out != nil {
		logger.SetOutput(out)
	}
	logger.SetLevel(lvl)
	return logger, nil
}
