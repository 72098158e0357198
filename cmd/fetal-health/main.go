package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tsawler/go-tabular/config"
	"github.com/tsawler/go-tabular/internal/cli"
	"github.com/tsawler/go-tabular/internal/ctxlog"
	"github.com/tsawler/go-tabular/pipeline"
	"github.com/tsawler/go-tabular/tracking"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Environ())
	stop()
	if err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run executes the pipeline. Training output goes to outW, logs to logW.
func run(ctx context.Context, outW, logW io.Writer, args, environ []string) error {
	opts, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	logger := cli.NewLogger(opts.LogLevel, opts.LogFormat, logW)
	ctx = ctxlog.WithLogger(ctx, logger)

	env, err := loadEnv(environ, opts.EnvFile)
	if err != nil {
		return &cli.ExitError{Code: 2, Message: err.Error()}
	}
	cfg, err := config.Load(opts.ConfigPath, env)
	if err != nil {
		return &cli.ExitError{Code: 2, Message: err.Error()}
	}
	applyEnv(&cfg, env)
	if opts.NoRegister {
		cfg.Tracking.Register = false
	}

	tracker, err := tracking.Open(ctx, tracking.Config{
		URI:          cfg.Tracking.URI,
		Username:     cfg.Tracking.Username,
		Password:     cfg.Tracking.Password,
		ArtifactRoot: cfg.Tracking.ArtifactRoot,
	})
	if err != nil {
		return fmt.Errorf("failed to open tracking backend: %w", err)
	}
	defer tracker.Close()

	logger.Info("pipeline starting", "source", cfg.Data.Source, "tracking_uri", cfg.Tracking.URI, "register", cfg.Tracking.Register)
	res, err := pipeline.Run(ctx, cfg, tracker, outW)
	if err != nil {
		return err
	}
	logger.Info("pipeline finished", "run_id", res.Run.ID, "test_accuracy", res.Eval.Accuracy)
	return nil
}

// mlflowEnv collects the MLFLOW_ variables of environ.
func mlflowEnv(environ []string) map[string]string {
	env := map[string]string{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, "MLFLOW_") {
			env[k] = v
		}
	}
	return env
}

const defaultEnvFile = ".env"

// loadEnv merges the MLFLOW_ variables of environ with those of a dotenv
// file. environ wins on conflicts. An empty envFile reads ./.env when it
// exists; a named file must exist.
func loadEnv(environ []string, envFile string) (map[string]string, error) {
	env := mlflowEnv(environ)

	required := envFile != ""
	if !required {
		envFile = defaultEnvFile
	}
	fileEnv, err := godotenv.Read(envFile)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return env, nil
		}
		return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
	}
	for k, v := range fileEnv {
		if _, ok := env[k]; !ok && strings.HasPrefix(k, "MLFLOW_") {
			env[k] = v
		}
	}
	return env, nil
}

// applyEnv fills tracking settings the config left at their defaults.
func applyEnv(cfg *config.Config, env map[string]string) {
	if uri := env["MLFLOW_TRACKING_URI"]; uri != "" && cfg.Tracking.URI == tracking.DefaultURI {
		cfg.Tracking.URI = uri
	}
	if cfg.Tracking.Username == "" {
		cfg.Tracking.Username = env["MLFLOW_TRACKING_USERNAME"]
	}
	if cfg.Tracking.Password == "" {
		cfg.Tracking.Password = env["MLFLOW_TRACKING_PASSWORD"]
	}
}
