package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("dossier.llm.ollama") // Specific tracer name

// OllamaEngine talks to a local Ollama server over HTTP.
//
// LoadModel issues a warm-up generate with keep_alive so the model stays
// resident in VRAM across jobs instead of being evicted between calls.
type OllamaEngine struct {
	httpClient *http.Client
	baseURL    string
	keepAlive  string
}

type ollamaModel struct {
	name string
}

func (m ollamaModel) Name() string { return m.name }

type ollamaGenerateRequest struct {
	Model     string                 `json:"model"`
	Prompt    string                 `json:"prompt"`
	Stream    bool                   `json:"stream"`
	KeepAlive string                 `json:"keep_alive,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

// NewOllamaEngine builds an engine from OLLAMA_BASE_URL, or from baseURL
// when non-empty (config takes precedence over the environment).
func NewOllamaEngine(baseURL string) (*OllamaEngine, error) {
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_BASE_URL")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("ollama base URL not configured and OLLAMA_BASE_URL not set")
	}
	baseURL = strings.TrimSuffix(strings.Trim(baseURL, "\"' "), "/")
	slog.Info("Initializing Ollama engine", "base_url", baseURL)
	return &OllamaEngine{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		keepAlive:  "-1", // keep warmed models resident
	}, nil
}

// LoadModel warms the model with an empty generate call. Ollama loads the
// model into VRAM on first use, so a throwaway request up front keeps the
// first real job from paying the load latency.
func (o *OllamaEngine) LoadModel(ctx context.Context, ref string) (Model, error) {
	ctx, span := tracer.Start(ctx, "OllamaEngine.LoadModel")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", ref))

	payload := ollamaGenerateRequest{
		Model:     ref,
		Prompt:    "",
		Stream:    false,
		KeepAlive: o.keepAlive,
	}
	if _, err := o.post(ctx, "/api/generate", payload, ref); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("warm-up for model %q failed: %w", ref, err)
	}
	slog.Info("Ollama model warmed", "model", ref, "keep_alive", o.keepAlive)
	return ollamaModel{name: ref}, nil
}

// Infer implements the Engine interface via the non-streaming generate API.
func (o *OllamaEngine) Infer(ctx context.Context, model Model, prompt string,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaEngine.Infer")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model.Name()))
	slog.Debug("Generating text via Ollama", "model", model.Name())

	options := make(map[string]interface{})
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	} else {
		options["top_k"] = 20
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 2048
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}

	payload := ollamaGenerateRequest{
		Model:     model.Name(),
		Prompt:    prompt,
		Stream:    false,
		KeepAlive: o.keepAlive,
		Options:   options,
	}
	body, err := o.post(ctx, "/api/generate", payload, model.Name())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var ollamaResp ollamaGenerateResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to parse JSON response from Ollama", "error", err, "response", string(body))
		return "", fmt.Errorf("failed to parse Ollama response: %w", err)
	}

	slog.Debug("Received response from Ollama")
	return ollamaResp.Response, nil
}

// post sends a JSON request and returns the raw response body, translating
// the "model not found" case into an actionable error.
func (o *OllamaEngine) post(ctx context.Context, path string, payload any, model string) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}

	// Use NewRequestWithContext to respect context cancellation/timeout
	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+path, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "error", err)
		return nil, fmt.Errorf("Ollama API call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from Ollama: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			var errResp struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(respBody, &errResp); err == nil &&
				strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
				slog.Warn("Ollama model not found", "model", model)
				return nil, fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", model, model)
			}
		}
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return nil, fmt.Errorf("Ollama failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
