// Package logfilewriter captures the analyzer worker's stderr into a
// temp log file. Stderr is advisory only and must never reach the framed
// protocol channel; the file path is recorded on the daemon record so
// operators can tail it.
package logfilewriter

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/raproxy/raproxy/src/raproxy/internal/fs"
)

// Params define the dependencies for SetupOutputWriter.
type Params struct {
	FS        fs.FS
	Lifecycle fx.Lifecycle
}

// SetupOutputWriter creates a writer backed by a log file under a custom
// directory in the user's temp directory, and returns the file path.
// The file is removed on shutdown.
func SetupOutputWriter(p Params, name string) (io.Writer, string, error) {
	logsDirPath := filepath.Join(os.TempDir(), name)
	if err := p.FS.MkdirAll(logsDirPath); err != nil {
		return nil, "", err
	}

	logFile, err := p.FS.TempFile(logsDirPath, "")
	if err != nil {
		return nil, "", err
	}

	// Write via a logger for formatting, timestamp, and performance/buffering.
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(logFile),
		zap.InfoLevel,
	)
	fileLogger := zap.New(core).Sugar()

	// Cleanup on shutdown.
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			fileLogger.Sync()
			logFile.Close()
			return p.FS.Remove(logFile.Name())
		},
	})

	return &loggerWriter{logger: fileLogger}, logFile.Name(), nil
}

type loggerWriter struct {
	logger *zap.SugaredLogger
}

// Write implements the io.Writer interface by sending data to the given logger.
func (o *loggerWriter) Write(p []byte) (n int, err error) {
	// Incoming data may contain multiple lines, including blank ones.
	// Split and log each line individually.
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if len(line) > 0 {
			o.logger.Info(line)
		}
	}

	return len(p), nil
}
