package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"smartguard/pkg/config"
	"smartguard/pkg/logging"
)

// ErrService wraps every failure talking to the classification service.
var ErrService = errors.New("classification service error")

const maxResponseBytes = 1 << 20

// Service produces free text for a classification prompt.
type Service interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Ollama calls the /api/generate endpoint of an Ollama server.
type Ollama struct {
	client   *http.Client
	logger   *logging.Logger
	endpoint string
	model    string
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Options generateOptions `json:"options"`
	Stream  bool            `json:"stream"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// NewOllama creates a client for cfg.Endpoint using cfg.Model.
func NewOllama(cfg *config.ClassificationConfig, logger *logging.Logger) *Ollama {
	if logger == nil {
		logger = logging.NewDiscard()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Ollama{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger:   logger,
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
	}
}

// Generate sends a single non-streaming generate request.
func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: 0,
			TopP:        0.9,
			NumPredict:  20,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrService, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrService, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrService, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrService, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrService, resp.StatusCode)
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrService, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrService, out.Error)
	}

	o.logger.Debug("Classification service replied", "model", o.model, "response", out.Response)
	return out.Response, nil
}
