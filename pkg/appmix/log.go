package appmix

import (
	"fmt"
	"path"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/appmix/appmix/pkg/appmix/util"
)

const (
	logDirectory = "logs"
	logFilename  = "appmix-latest-run.log"
)

// NewLogger provides a logger instance for the whole program
func NewLogger(verbose bool) (*zap.SugaredLogger, error) {
	var loggerConfig zap.Config

	if verbose {
		loggerConfig = zap.NewDevelopmentConfig()
	} else {
		if err := util.EnsureDirExists(logDirectory); err != nil {
			return nil, fmt.Errorf("ensure log directory exists: %w", err)
		}

		loggerConfig = zap.NewProductionConfig()
		loggerConfig.OutputPaths = []string{path.Join(logDirectory, logFilename)}
		loggerConfig.Encoding = "console"
	}

	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create zap logger: %w", err)
	}

	// the sugared logger is plenty fast for anything we do here
	return logger.Sugar(), nil
}
