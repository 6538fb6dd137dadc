package l5inference

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/banshee-data/holistic.report/internal/httputil"
)

// HTTPClassifier calls a model server speaking the TensorFlow Serving REST
// predict API: POST {base}/v1/models/{name}:predict with {"instances": [...]}
// answered by {"predictions": [[...scores]]}.
type HTTPClassifier struct {
	client   httputil.HTTPClient
	endpoint string
}

// NewHTTPClassifier creates a classifier for the model name served at
// baseURL. A nil client uses http.DefaultClient.
func NewHTTPClassifier(client httputil.HTTPClient, baseURL, model string) (*HTTPClassifier, error) {
	if model == "" {
		return nil, errors.New("model name is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse model url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("model url %q: scheme must be http or https", baseURL)
	}
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPClassifier{
		client:   client,
		endpoint: u.String() + "/v1/models/" + url.PathEscape(model) + ":predict",
	}, nil
}

// Endpoint returns the predict URL.
func (c *HTTPClassifier) Endpoint() string { return c.endpoint }

type predictRequest struct {
	Instances [][][]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float32 `json:"predictions"`
	Error       string      `json:"error,omitempty"`
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, t *Tensor) ([]float32, error) {
	if t.Shape[0] != 1 {
		return nil, fmt.Errorf("batch size %d not supported", t.Shape[0])
	}

	var resp predictResponse
	req := predictRequest{Instances: [][][]float32{t.Rows()}}
	if err := httputil.PostJSON(ctx, c.client, c.endpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("predict: model server: %s", resp.Error)
	}
	if len(resp.Predictions) == 0 {
		return nil, ErrEmptyOutput
	}
	return resp.Predictions[0], nil
}
