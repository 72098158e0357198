// Package cli parses the fetal-health command line and builds the logger it
// asks for. Usage errors carry exit code 2.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ExitError is an error with a specific process exit code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Options are the parsed command line flags.
type Options struct {
	ConfigPath string
	EnvFile    string
	LogLevel   string
	LogFormat  string
	NoRegister bool
}

// Parse processes args. It reports shouldExit when help was requested.
func Parse(args []string, output io.Writer) (*Options, bool, error) {
	flagSet := flag.NewFlagSet("fetal-health", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, `
fetal-health - train and evaluate the fetal health classifier.

Usage:
  fetal-health [options]

Credentials for an MLflow tracking server are read from
MLFLOW_TRACKING_USERNAME and MLFLOW_TRACKING_PASSWORD, in the process
environment or a dotenv file, and are available to the config file as
env.<NAME>. Process variables win over the file.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to an HCL pipeline config. Defaults apply when empty.")
	envFileFlag := flagSet.String("env-file", "", "Path to a dotenv file with MLFLOW_* settings. ./.env is read when present.")
	logLevelFlag := flagSet.String("log-level", "info", "Logging level: 'debug', 'info', 'warn' or 'error'.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format: 'text' or 'json'.")
	noRegisterFlag := flagSet.Bool("no-register", false, "Do not add the trained model to the model registry.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	if flagSet.NArg() > 0 {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unexpected arguments: %s", strings.Join(flagSet.Args(), " "))}
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	return &Options{
		ConfigPath: *configFlag,
		EnvFile:    *envFileFlag,
		LogLevel:   logLevel,
		LogFormat:  logFormat,
		NoRegister: *noRegisterFlag,
	}, false, nil
}

// NewLogger returns a logger writing to w in the requested format and level.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}
