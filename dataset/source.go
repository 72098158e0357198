package dataset

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tsawler/go-tabular/internal/ctxlog"
	"github.com/ulikunitz/xz"
)

// LoadOptions controls how a source is read.
type LoadOptions struct {
	LabelColumn string       // defaults to DefaultLabelColumn
	HTTPClient  *http.Client // defaults to a client with Timeout
	Timeout     time.Duration
}

func (o LoadOptions) withDefaults() LoadOptions {
	if o.LabelColumn == "" {
		o.LabelColumn = DefaultLabelColumn
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	return o
}

// Load reads source and splits it into features and labels. An empty source
// means DefaultSource. Sources may be http(s) URLs, file:// URLs or local
// paths; a .xz suffix selects xz decompression.
func Load(ctx context.Context, source string, opts LoadOptions) (*FeatureMatrix, []int, error) {
	if source == "" {
		source = DefaultSource
	}
	opts = opts.withDefaults()
	logger := ctxlog.FromContext(ctx).With("source", source)

	rc, err := open(ctx, source, opts)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	var r io.Reader = bufio.NewReader(rc)
	if strings.HasSuffix(strings.ToLower(source), ".xz") {
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: xz stream: %v", ErrMalformed, err)
		}
		r = xr
	}

	features, labels, err := Read(r, opts.LabelColumn)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("dataset loaded", "rows", features.Rows(), "features", features.Width())
	return features, labels, nil
}

func open(ctx context.Context, source string, opts LoadOptions) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSource, err)
		}
		resp, err := opts.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSource, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: GET %s: %s", ErrSource, source, resp.Status)
		}
		return resp.Body, nil
	default:
		f, err := os.Open(strings.TrimPrefix(source, "file://"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSource, err)
		}
		return f, nil
	}
}

// Read parses CSV with a header row. Every column except labelColumn becomes
// a feature; labelColumn values must be integral.
func Read(r io.Reader, labelColumn string) (*FeatureMatrix, []int, error) {
	if labelColumn == "" {
		labelColumn = DefaultLabelColumn
	}
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: missing header", ErrMalformed)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	labelIdx := -1
	var columns []string
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == labelColumn {
			labelIdx = i
			continue
		}
		columns = append(columns, name)
	}
	if labelIdx < 0 {
		return nil, nil, fmt.Errorf("%w: label column %q not found", ErrMalformed, labelColumn)
	}
	if len(columns) == 0 {
		return nil, nil, fmt.Errorf("%w: no feature columns", ErrMalformed)
	}

	var data []float64
	var labels []int
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
		}
		for i, cell := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: line %d column %q: %v", ErrMalformed, line, header[i], err)
			}
			if math.IsInf(v, 0) || math.IsNaN(v) {
				return nil, nil, fmt.Errorf("%w: line %d column %q: non-finite value %q", ErrMalformed, line, header[i], cell)
			}
			if i == labelIdx {
				if v < math.MinInt32 || v > math.MaxInt32 {
					return nil, nil, fmt.Errorf("%w: line %d: label %v out of range", ErrMalformed, line, v)
				}
				if v != math.Trunc(v) {
					return nil, nil, fmt.Errorf("%w: line %d: label %v is not an integer", ErrMalformed, line, v)
				}
				labels = append(labels, int(v))
				continue
			}
			data = append(data, v)
		}
	}
	if len(labels) == 0 {
		return nil, nil, fmt.Errorf("%w: no data rows", ErrMalformed)
	}

	features, err := NewFeatureMatrix(columns, len(labels), data)
	if err != nil {
		return nil, nil, err
	}
	return features, labels, nil
}
