package tracking

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Config selects and configures a tracking backend.
//
//	http://host:port, https://...  MLflow tracking server
//	sqlite:///relative.db          local SQLite store (sqlite:////abs.db for absolute paths)
//	""                             sqlite:///mlruns.db
type Config struct {
	URI          string
	Username     string
	Password     string
	ArtifactRoot string // SQLite only
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// DefaultURI is used when Config.URI is empty.
const DefaultURI = "sqlite:///mlruns.db"

// Open returns the backend for cfg.URI.
func Open(ctx context.Context, cfg Config) (Tracker, error) {
	uri := cfg.URI
	if uri == "" {
		uri = DefaultURI
	}
	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return NewMLflowClient(MLflowConfig{
			BaseURL:    uri,
			Username:   cfg.Username,
			Password:   cfg.Password,
			Timeout:    cfg.Timeout,
			HTTPClient: cfg.HTTPClient,
		})
	case strings.HasPrefix(uri, "sqlite:///"):
		path := strings.TrimPrefix(uri, "sqlite:///")
		if path == "" {
			return nil, fmt.Errorf("%w: %q has no database path", ErrUnsupportedURI, uri)
		}
		return OpenSQLite(ctx, path, cfg.ArtifactRoot)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURI, uri)
	}
}
