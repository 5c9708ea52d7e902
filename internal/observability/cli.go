package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by cobra commands for banner and progress
// output. It is nil until InitCLILogger runs, which every command's
// PersistentPreRunE is expected to call before logging anything.
var CLILogger *zap.SugaredLogger

// InitCLILogger builds CLILogger as a console-encoded logger tagged with
// name. verbose drops the level to debug; otherwise it logs at info.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.TimeKey = ""
	encoderCfg.LevelKey = ""
	encoderCfg.CallerKey = ""

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(consoleSink{}), level)
	logger := zap.New(core).Named(name).Sugar()
	CLILogger = logger
}

// consoleSink sends CLI output to stdout via fmt, independent of the
// application's structured-logging stdout writer so test capture and
// terminal output stay simple to reason about.
type consoleSink struct{}

func (consoleSink) Write(p []byte) (int, error) {
	return fmt.Print(string(p))
}

// TelemetrySystem and PrometheusExporter, when non-nil, indicate the
// process-wide telemetry pipeline has been started by the serve command.
// They exist purely as a liveness signal for telemetryHealthChecker; nothing
// else in the coordinator reads their contents.
var (
	TelemetrySystem    any
	PrometheusExporter any
)
