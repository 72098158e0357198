package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-tabular/config"
	"github.com/tsawler/go-tabular/internal/cli"
	"github.com/tsawler/go-tabular/tracking"
)

func TestRun_ShouldExit(t *testing.T) {
	out := &bytes.Buffer{}
	err := run(context.Background(), out, &bytes.Buffer{}, []string{"-h"}, nil)
	require.NoError(t, err)
	require.Contains(t, out.String(), "Usage:")
}

func TestRun_BadConfigIsUsageError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.hcl")
	require.NoError(t, os.WriteFile(path, []byte("model {\n  hidden_units = 0\n}\n"), 0o600))

	err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"-config", path}, nil)
	var exitErr *cli.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.Code)
}

func TestRun_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "fetal.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("f1,f2,fetal_health\n1,6,1.0\n2,7,1.0\n3,8,2.0\n4,9,3.0\n5,10,2.0\n"), 0o600))

	hcl := fmt.Sprintf(`
data {
  source = %q
}

training {
  epochs  = 3
  verbose = 1

  checkpoint {
    path = %q
  }
}

tracking {
  uri = env.MLFLOW_TRACKING_URI
}
`, csvPath, filepath.Join(dir, "best_model.json"))
	cfgPath := filepath.Join(dir, "pipeline.hcl")
	require.NoError(t, os.WriteFile(cfgPath, []byte(hcl), 0o600))

	environ := []string{
		"MLFLOW_TRACKING_URI=sqlite:///" + filepath.Join(dir, "mlruns.db"),
		"HOME=/nowhere",
	}
	out := &bytes.Buffer{}
	logs := &bytes.Buffer{}
	err := run(context.Background(), out, logs, []string{"-config", cfgPath, "-no-register", "-log-format", "json"}, environ)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "FetalHealthClassifier(")
	assert.Contains(t, out.String(), "Epoch 1/3")
	assert.Contains(t, out.String(), "Test Loss: ")
	assert.Contains(t, out.String(), "Test Accuracy: ")
	assert.Contains(t, logs.String(), `"msg":"pipeline finished"`)
	_, err = os.Stat(filepath.Join(dir, "best_model.json"))
	assert.NoError(t, err)
}

func TestMLflowEnv(t *testing.T) {
	env := mlflowEnv([]string{"MLFLOW_TRACKING_USERNAME=alice", "MLFLOW_TRACKING_PASSWORD=a=b", "PATH=/bin"})
	assert.Equal(t, map[string]string{
		"MLFLOW_TRACKING_USERNAME": "alice",
		"MLFLOW_TRACKING_PASSWORD": "a=b",
	}, env)
}

func TestApplyEnv(t *testing.T) {
	cfg := config.Default()
	cfg.Tracking.Username = "from-file"
	applyEnv(&cfg, map[string]string{
		"MLFLOW_TRACKING_URI":      "http://localhost:5000",
		"MLFLOW_TRACKING_USERNAME": "alice",
		"MLFLOW_TRACKING_PASSWORD": "secret",
	})
	assert.Equal(t, "http://localhost:5000", cfg.Tracking.URI)
	assert.Equal(t, "from-file", cfg.Tracking.Username)
	assert.Equal(t, "secret", cfg.Tracking.Password)

	cfg = config.Default()
	cfg.Tracking.URI = "sqlite:///other.db"
	applyEnv(&cfg, map[string]string{"MLFLOW_TRACKING_URI": "http://localhost:5000"})
	assert.Equal(t, "sqlite:///other.db", cfg.Tracking.URI)
	assert.NotEqual(t, tracking.DefaultURI, cfg.Tracking.URI)
}

func TestLoadEnv_MergesDotenvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(path, []byte("# tracking\nMLFLOW_TRACKING_USERNAME=bob\nMLFLOW_TRACKING_PASSWORD=\"from file\"\nAWS_REGION=eu-west-1\n"), 0o600))

	env, err := loadEnv([]string{"MLFLOW_TRACKING_PASSWORD=from-process", "PATH=/bin"}, path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"MLFLOW_TRACKING_USERNAME": "bob",
		"MLFLOW_TRACKING_PASSWORD": "from-process",
	}, env)
}

func TestLoadEnv_MissingFile(t *testing.T) {
	_, err := loadEnv(nil, filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)

	err = run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"-env-file", filepath.Join(t.TempDir(), "missing.env")}, nil)
	var exitErr *cli.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.Code)
}

func TestLoadEnv_DefaultFileIsOptional(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	env, err := loadEnv([]string{"MLFLOW_TRACKING_USERNAME=alice"}, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"MLFLOW_TRACKING_USERNAME": "alice"}, env)

	require.NoError(t, os.WriteFile(".env", []byte("MLFLOW_TRACKING_PASSWORD=secret\n"), 0o600))
	env, err = loadEnv(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "secret", env["MLFLOW_TRACKING_PASSWORD"])
}
