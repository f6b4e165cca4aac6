package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	NanoBananaName    = "nanobanana"
	NanoBananaBaseURL = "https://api.nanobanana.ai/v1"

	nanoBananaDefaultAspectRatio = "16:9"
	nanoBananaDefaultResolution  = "1920x1080"
	nanoBananaDefaultGuidance    = 7.5
	nanoBananaDefaultSteps       = 50
)

// NanoBananaConfig holds configuration for the NanoBanana render client.
type NanoBananaConfig struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	RateLimit       float64 // Requests per second
	CostPerImageUSD float64
	HTTPClient      *http.Client // Optional (tests)
}

// NanoBananaClient implements Renderer against the hosted NanoBanana image
// API. Each call is a single attempt: failures come back classified and the
// calling loop decides whether its retry budget covers another try.
type NanoBananaClient struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	limiter      *rate.Limiter
	costPerImage float64
}

// NewNanoBananaClient creates a new NanoBanana client.
func NewNanoBananaClient(cfg NanoBananaConfig) *NanoBananaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = NanoBananaBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 180 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 0.5
	}
	if cfg.CostPerImageUSD <= 0 {
		cfg.CostPerImageUSD = 0.04
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &NanoBananaClient{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		client:       httpClient,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		costPerImage: cfg.CostPerImageUSD,
	}
}

// Name returns the provider identifier.
func (c *NanoBananaClient) Name() string {
	return NanoBananaName
}

// RenderImage generates one candidate image.
func (c *NanoBananaClient) RenderImage(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	const op = "render_image"
	start := time.Now()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	cond := req.Conditioning
	nbReq := nbGenerateRequest{
		Prompt:            req.Prompt,
		NegativePrompt:    req.NegativePrompt,
		AspectRatio:       cond.AspectRatio,
		Resolution:        cond.Resolution,
		GuidanceScale:     cond.GuidanceScale,
		NumInferenceSteps: cond.Steps,
		Seed:              cond.Seed,
		ReferenceStrength: cond.ReferenceStrength,
	}
	if nbReq.AspectRatio == "" {
		nbReq.AspectRatio = nanoBananaDefaultAspectRatio
	}
	if nbReq.Resolution == "" {
		nbReq.Resolution = nanoBananaDefaultResolution
	}
	if nbReq.GuidanceScale <= 0 {
		nbReq.GuidanceScale = nanoBananaDefaultGuidance
	}
	if nbReq.NumInferenceSteps <= 0 {
		nbReq.NumInferenceSteps = nanoBananaDefaultSteps
	}
	if len(cond.ReferenceImage) > 0 {
		nbReq.ReferenceImage = base64.StdEncoding.EncodeToString(cond.ReferenceImage)
	}

	bodyBytes, err := json.Marshal(nbReq)
	if err != nil {
		return nil, Permanent(op, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/generate", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, Permanent(op, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, Transient(op, fmt.Errorf("request failed: %w", err))
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, Transient(op, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyStatus(op, resp.StatusCode, string(respBody))
	}

	var nbResp nbGenerateResponse
	if err := json.Unmarshal(respBody, &nbResp); err != nil {
		return nil, Permanent(op, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if nbResp.Error != "" {
		// Some backend errors arrive with status 200.
		msg := strings.ToLower(nbResp.Error)
		if strings.Contains(msg, "overloaded") || strings.Contains(msg, "rate") || strings.Contains(msg, "timeout") {
			return nil, Transient(op, fmt.Errorf("backend error: %s", nbResp.Error))
		}
		return nil, Permanent(op, fmt.Errorf("backend error: %s", nbResp.Error))
	}

	var image []byte
	switch {
	case nbResp.ImageBase64 != "":
		image, err = base64.StdEncoding.DecodeString(nbResp.ImageBase64)
		if err != nil {
			return nil, Permanent(op, fmt.Errorf("failed to decode image payload: %w", err))
		}
	case nbResp.ImageURL != "":
		image, err = c.fetchImage(ctx, nbResp.ImageURL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, Permanent(op, fmt.Errorf("response carried no image"))
	}

	return &RenderResult{
		Image:       image,
		ProviderRef: nbResp.ImageURL,
		Seed:        nbResp.Seed,
		Usage: Usage{
			Provider: NanoBananaName,
			CostUSD:  c.costPerImage,
			Duration: time.Since(start),
		},
	}, nil
}

// fetchImage downloads a hosted result.
func (c *NanoBananaClient) fetchImage(ctx context.Context, url string) ([]byte, error) {
	const op = "fetch_image"

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, Permanent(op, fmt.Errorf("failed to create request: %w", err))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transient(op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, ClassifyStatus(op, resp.StatusCode, string(body))
	}
	image, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(op, fmt.Errorf("failed to read image body: %w", err))
	}
	return image, nil
}

// NanoBanana API types

type nbGenerateRequest struct {
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	AspectRatio       string  `json:"aspect_ratio"`
	Resolution        string  `json:"resolution"`
	GuidanceScale     float64 `json:"guidance_scale"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	Seed              *int64  `json:"seed,omitempty"`
	ReferenceImage    string  `json:"reference_image,omitempty"`
	ReferenceStrength float64 `json:"reference_strength,omitempty"`
}

type nbGenerateResponse struct {
	ImageURL       string  `json:"image_url"`
	ImageBase64    string  `json:"image_base64"`
	Seed           int64   `json:"seed"`
	GenerationTime float64 `json:"generation_time"`
	Error          string  `json:"error,omitempty"`
}

// Verify interface
var _ Renderer = (*NanoBananaClient)(nil)
