package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-tabular/internal/ctxlog"
)

const (
	apiPrefix         = "/api/2.0/mlflow/"
	artifactAPIPrefix = "/api/2.0/mlflow-artifacts/artifacts/"
	artifactScheme    = "mlflow-artifacts:"

	maxBatchMetrics = 1000
	maxBatchParams  = 100
)

// MLflowConfig configures the REST client.
type MLflowConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client
}

// APIError is an error response of the tracking server.
type APIError struct {
	StatusCode int
	Code       string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("mlflow request failed with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("mlflow request failed with status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsErrorCode reports whether err is an APIError with the given code.
func IsErrorCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// MLflowClient talks to an MLflow tracking server over REST API 2.0.
type MLflowClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// NewMLflowClient creates a new tracking server client
func NewMLflowClient(config MLflowConfig) (*MLflowClient, error) {
	u, err := url.Parse(config.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURI, config.BaseURL)
	}
	client := config.HTTPClient
	if client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &MLflowClient{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		username:   config.Username,
		password:   config.Password,
		httpClient: client,
	}, nil
}

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func keyValues(m map[string]string) []keyValue {
	out := make([]keyValue, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, keyValue{Key: k, Value: m[k]})
	}
	return out
}

type metricJSON struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type runInfoJSON struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
	RunName      string `json:"run_name"`
	Status       string `json:"status"`
	StartTime    int64  `json:"start_time"`
	ArtifactURI  string `json:"artifact_uri"`
}

type modelVersionJSON struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Source  string `json:"source"`
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
}

// do sends a JSON request and decodes the JSON response into out.
func (c *MLflowClient) do(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	u := c.baseURL + apiPrefix + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(ctx, req, endpoint, out)
}

func (c *MLflowClient) send(ctx context.Context, req *http.Request, endpoint string, out any) error {
	req.Header.Set("User-Agent", "go-tabular")
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	ctxlog.FromContext(ctx).Debug("mlflow request", "method", req.Method, "endpoint", endpoint)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("%s: %w", endpoint, apiErr)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
		}
	}
	return nil
}

func (c *MLflowClient) GetOrCreateExperiment(ctx context.Context, name string) (string, error) {
	if name == "" {
		return DefaultExperimentID, nil
	}

	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := c.do(ctx, http.MethodGet, "experiments/get-by-name", url.Values{"experiment_name": {name}}, nil, &got)
	if err == nil {
		return got.Experiment.ExperimentID, nil
	}
	if !IsErrorCode(err, "RESOURCE_DOES_NOT_EXIST") {
		return "", err
	}

	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.do(ctx, http.MethodPost, "experiments/create", nil, map[string]string{"name": name}, &created); err != nil {
		return "", err
	}
	ctxlog.FromContext(ctx).Info("created experiment", "name", name, "experiment_id", created.ExperimentID)
	return created.ExperimentID, nil
}

func (c *MLflowClient) CreateRun(ctx context.Context, experimentID, runName string, tags map[string]string) (*Run, error) {
	start := time.Now()
	req := struct {
		ExperimentID string     `json:"experiment_id"`
		RunName      string     `json:"run_name,omitempty"`
		StartTime    int64      `json:"start_time"`
		Tags         []keyValue `json:"tags,omitempty"`
	}{experimentID, runName, start.UnixMilli(), keyValues(tags)}

	var resp struct {
		Run struct {
			Info runInfoJSON `json:"info"`
		} `json:"run"`
	}
	if err := c.do(ctx, http.MethodPost, "runs/create", nil, req, &resp); err != nil {
		return nil, err
	}
	info := resp.Run.Info
	if info.RunID == "" {
		return nil, fmt.Errorf("runs/create returned no run id")
	}
	return NewRun(c, info.RunID, info.ExperimentID, info.RunName, info.ArtifactURI, start), nil
}

func (c *MLflowClient) UpdateRun(ctx context.Context, runID string, status RunStatus, endTime time.Time) error {
	req := struct {
		RunID   string `json:"run_id"`
		Status  string `json:"status"`
		EndTime int64  `json:"end_time"`
	}{runID, status.String(), endTime.UnixMilli()}
	return c.do(ctx, http.MethodPost, "runs/update", nil, req, nil)
}

// LogMetrics uses runs/log-metric for a single metric and runs/log-batch
// otherwise.
func (c *MLflowClient) LogMetrics(ctx context.Context, runID string, metrics []Metric) error {
	if len(metrics) == 1 {
		m := metrics[0]
		req := struct {
			RunID string `json:"run_id"`
			metricJSON
		}{runID, metricJSON{m.Key, m.Value, m.Timestamp, m.Step}}
		return c.do(ctx, http.MethodPost, "runs/log-metric", nil, req, nil)
	}
	for start := 0; start < len(metrics); start += maxBatchMetrics {
		end := min(start+maxBatchMetrics, len(metrics))
		batch := make([]metricJSON, 0, end-start)
		for _, m := range metrics[start:end] {
			batch = append(batch, metricJSON{m.Key, m.Value, m.Timestamp, m.Step})
		}
		req := struct {
			RunID   string       `json:"run_id"`
			Metrics []metricJSON `json:"metrics"`
		}{runID, batch}
		if err := c.do(ctx, http.MethodPost, "runs/log-batch", nil, req, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *MLflowClient) LogParams(ctx context.Context, runID string, params map[string]string) error {
	all := keyValues(params)
	if len(all) == 1 {
		req := struct {
			RunID string `json:"run_id"`
			keyValue
		}{runID, all[0]}
		return c.do(ctx, http.MethodPost, "runs/log-parameter", nil, req, nil)
	}
	for start := 0; start < len(all); start += maxBatchParams {
		end := min(start+maxBatchParams, len(all))
		req := struct {
			RunID  string     `json:"run_id"`
			Params []keyValue `json:"params"`
		}{runID, all[start:end]}
		if err := c.do(ctx, http.MethodPost, "runs/log-batch", nil, req, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *MLflowClient) SetTags(ctx context.Context, runID string, tags map[string]string) error {
	for _, kv := range keyValues(tags) {
		req := struct {
			RunID string `json:"run_id"`
			keyValue
		}{runID, kv}
		if err := c.do(ctx, http.MethodPost, "runs/set-tag", nil, req, nil); err != nil {
			return err
		}
	}
	return nil
}

// LogArtifact uploads through the artifact proxy for mlflow-artifacts:
// roots and writes to disk for local roots.
func (c *MLflowClient) LogArtifact(ctx context.Context, run *Run, artifactPath string, data []byte) error {
	root := run.ArtifactURI
	switch {
	case strings.HasPrefix(root, artifactScheme):
		rel := strings.TrimLeft(strings.TrimPrefix(root, artifactScheme), "/")
		u := c.baseURL + artifactAPIPrefix + path.Join(rel, artifactPath)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create artifact request: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return c.send(ctx, req, "artifacts/"+artifactPath, nil)
	case strings.HasPrefix(root, "file://"), strings.HasPrefix(root, "/"):
		dir := strings.TrimPrefix(root, "file://")
		return writeLocalArtifact(dir, artifactPath, data)
	default:
		return fmt.Errorf("artifact root %q is not supported", root)
	}
}

func (c *MLflowClient) RegisterModel(ctx context.Context, name, source, runID string) (*ModelVersion, error) {
	err := c.do(ctx, http.MethodPost, "registered-models/create", nil, map[string]string{"name": name}, nil)
	if err != nil && !IsErrorCode(err, "RESOURCE_ALREADY_EXISTS") {
		return nil, err
	}

	var resp struct {
		ModelVersion modelVersionJSON `json:"model_version"`
	}
	req := map[string]string{"name": name, "source": source, "run_id": runID}
	if err := c.do(ctx, http.MethodPost, "model-versions/create", nil, req, &resp); err != nil {
		return nil, err
	}
	mv := resp.ModelVersion
	ctxlog.FromContext(ctx).Info("registered model version", "name", mv.Name, "version", mv.Version)
	return &ModelVersion{Name: mv.Name, Version: mv.Version, Source: mv.Source, RunID: mv.RunID, Status: mv.Status}, nil
}

// Close releases idle connections.
func (c *MLflowClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func writeLocalArtifact(root, artifactPath string, data []byte) error {
	clean := filepath.Clean(filepath.FromSlash(artifactPath))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("artifact path %q escapes the artifact root", artifactPath)
	}
	dest := filepath.Join(root, clean)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", artifactPath, err)
	}
	return nil
}
