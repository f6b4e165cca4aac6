package faceid

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"cameo/internal/capability"
	"cameo/internal/identity"
)

const (
	ProviderName = "faceid"

	defaultRequestTimeout = 60 * time.Second
	defaultCacheTTL       = 30 * time.Minute
)

// ClientConfig holds configuration for the faceid HTTP client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  float64       // Requests per second
	CacheTTL   time.Duration // Embedding cache lifetime
	HTTPClient *http.Client  // Optional (tests)
}

// Client talks to the faceid sidecar. Embeddings are memoized by artifact
// ref so re-scoring the same image never pays for a second round trip.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	cache   *gocache.Cache
}

// NewClient creates a new faceid client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 4.0
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultCacheTTL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		cache:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string {
	return ProviderName
}

// Health checks the sidecar is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("faceid unreachable: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("faceid unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// EmbedFace computes a face embedding for an image.
func (c *Client) EmbedFace(ctx context.Context, req capability.EmbedRequest) (*capability.EmbedResult, error) {
	const op = "embed_face"
	start := time.Now()

	if req.Ref != "" {
		if cached, ok := c.cache.Get(req.Ref); ok {
			if res, ok := cached.(*capability.EmbedResult); ok {
				return res, nil
			}
		}
	}

	var out embedResponse
	if err := c.post(ctx, op, "/v1/embed", embedRequest{Image: base64.StdEncoding.EncodeToString(req.Image)}, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, capability.Permanent(op, fmt.Errorf("%w: service returned empty vector", identity.ErrInvalidEmbedding))
	}

	res := &capability.EmbedResult{
		Embedding: identity.NewEmbedding(out.Embedding, req.Ref),
		DetScore:  out.DetScore,
		Usage: capability.Usage{
			Provider: ProviderName,
			Duration: time.Since(start),
		},
	}
	if req.Ref != "" {
		c.cache.Set(req.Ref, res, gocache.DefaultExpiration)
	}
	return res, nil
}

// Swap transfers the source identity onto the rendered image.
func (c *Client) Swap(ctx context.Context, rendered, source []byte) ([]byte, error) {
	const op = "swap_face"

	var out imageResponse
	err := c.post(ctx, op, "/v1/swap", swapRequest{
		Image:  base64.StdEncoding.EncodeToString(rendered),
		Source: base64.StdEncoding.EncodeToString(source),
	}, &out)
	if err != nil {
		return nil, err
	}
	return decodeImage(op, out.Image)
}

// Enhance sharpens the face region after a swap.
func (c *Client) Enhance(ctx context.Context, img []byte) ([]byte, error) {
	const op = "enhance_face"

	var out imageResponse
	if err := c.post(ctx, op, "/v1/enhance", enhanceRequest{Image: base64.StdEncoding.EncodeToString(img)}, &out); err != nil {
		return nil, err
	}
	return decodeImage(op, out.Image)
}

// post sends one JSON request and decodes the response, classifying
// failures for the retry layer.
func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return capability.Permanent(op, fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return capability.Permanent(op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return capability.Transient(op, fmt.Errorf("request failed: %w", err))
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return capability.Transient(op, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return capability.ClassifyStatus(op, resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return capability.Permanent(op, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	return nil
}

func decodeImage(op, b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, capability.Permanent(op, fmt.Errorf("response carried no image"))
	}
	img, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, capability.Permanent(op, fmt.Errorf("failed to decode image payload: %w", err))
	}
	return img, nil
}

// Sidecar API types

type embedRequest struct {
	Image string `json:"image"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	DetScore  float64   `json:"det_score"`
}

type swapRequest struct {
	Image  string `json:"image"`
	Source string `json:"source"`
}

type enhanceRequest struct {
	Image string `json:"image"`
}

type imageResponse struct {
	Image string `json:"image"`
}

// Corrector implements the face correction transform as swap plus enhance.
// Enhancement failure degrades to the swapped image instead of failing the
// whole correction.
type Corrector struct {
	client *Client
	logger *slog.Logger
}

// NewCorrector wraps a faceid client as a capability.Corrector.
func NewCorrector(client *Client, logger *slog.Logger) *Corrector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Corrector{client: client, logger: logger}
}

// Name returns the provider identifier.
func (c *Corrector) Name() string {
	return ProviderName
}

// CorrectFace swaps the source identity onto the image and enhances the
// face region.
func (c *Corrector) CorrectFace(ctx context.Context, req capability.CorrectRequest) (*capability.CorrectResult, error) {
	start := time.Now()

	swapped, err := c.client.Swap(ctx, req.Image, req.SourceFace)
	if err != nil {
		return nil, err
	}

	enhanced, err := c.client.Enhance(ctx, swapped)
	if err != nil {
		c.logger.Warn("enhancement failed, keeping swapped image",
			"scene_id", req.SceneID, "error", err)
		return &capability.CorrectResult{
			Image:    swapped,
			Enhanced: false,
			Usage:    capability.Usage{Provider: ProviderName, Duration: time.Since(start)},
		}, nil
	}

	return &capability.CorrectResult{
		Image:    enhanced,
		Enhanced: true,
		Usage:    capability.Usage{Provider: ProviderName, Duration: time.Since(start)},
	}, nil
}

// Verify interfaces
var (
	_ capability.Embedder  = (*Client)(nil)
	_ capability.Corrector = (*Corrector)(nil)
)
