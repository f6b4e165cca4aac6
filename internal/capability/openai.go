package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/time/rate"

	"cameo/internal/manifest"
)

const (
	OpenAITextName         = "openai"
	openAITextDefaultModel = "gpt-4o"

	// USD per 1M tokens, used for ledger estimates when the API does not
	// return cost.
	openAIDefaultInputCostPer1M  = 2.50
	openAIDefaultOutputCostPer1M = 10.00
)

// OpenAITextConfig holds configuration for the OpenAI text client.
type OpenAITextConfig struct {
	APIKey          string
	Model           string
	Temperature     float64
	MaxTokens       int
	RateLimit       float64       // Requests per second
	MaxRetries      int           // SDK transport retries
	Timeout         time.Duration // HTTP timeout
	BaseURL         string        // Optional (tests)
	HTTPClient      *http.Client  // Optional (tests)
	InputCostPer1M  float64
	OutputCostPer1M float64
}

// OpenAIText backs the drafter, critic, and scene writer roles with the
// official OpenAI SDK. Responses are prompt-level JSON validated locally
// against a schema, with a bounded in-conversation repair round on failure.
type OpenAIText struct {
	model       string
	temperature float64
	maxTokens   int
	limiter     *rate.Limiter
	client      openai.Client
	inCost1M    float64
	outCost1M   float64
}

// NewOpenAIText creates a new OpenAI text client.
func NewOpenAIText(cfg OpenAITextConfig) *OpenAIText {
	if cfg.Model == "" {
		cfg.Model = openAITextDefaultModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2.0
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.InputCostPer1M <= 0 {
		cfg.InputCostPer1M = openAIDefaultInputCostPer1M
	}
	if cfg.OutputCostPer1M <= 0 {
		cfg.OutputCostPer1M = openAIDefaultOutputCostPer1M
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIText{
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		client:      openai.NewClient(opts...),
		inCost1M:    cfg.InputCostPer1M,
		outCost1M:   cfg.OutputCostPer1M,
	}
}

// Name returns the provider identifier.
func (c *OpenAIText) Name() string {
	return OpenAITextName
}

// Model returns the configured model.
func (c *OpenAIText) Model() string {
	return c.model
}

// DraftPrompt writes a render prompt for one scene.
func (c *OpenAIText) DraftPrompt(ctx context.Context, req DraftRequest) (*DraftResult, error) {
	parsed, usage, err := c.chatJSON(ctx, "draft_prompt", drafterSystemPrompt, draftUserPrompt(req), json.RawMessage(draftSchema))
	if err != nil {
		return nil, err
	}

	var out struct {
		Prompt         string `json:"prompt"`
		NegativePrompt string `json:"negative_prompt"`
	}
	if err := json.Unmarshal(parsed, &out); err != nil {
		return nil, Permanent("draft_prompt", fmt.Errorf("failed to decode draft: %w", err))
	}
	return &DraftResult{
		Prompt:         out.Prompt,
		NegativePrompt: out.NegativePrompt,
		Usage:          usage,
	}, nil
}

// CritiquePrompt scores a drafted prompt.
func (c *OpenAIText) CritiquePrompt(ctx context.Context, req CritiqueRequest) (*CritiqueResult, error) {
	parsed, usage, err := c.chatJSON(ctx, "critique_prompt", criticSystemPrompt, critiqueUserPrompt(req), json.RawMessage(critiqueSchema))
	if err != nil {
		return nil, err
	}

	var out struct {
		Score float64  `json:"score"`
		Notes []string `json:"notes"`
	}
	if err := json.Unmarshal(parsed, &out); err != nil {
		return nil, Permanent("critique_prompt", fmt.Errorf("failed to decode critique: %w", err))
	}
	return &CritiqueResult{
		Score: out.Score,
		Notes: out.Notes,
		Usage: usage,
	}, nil
}

// WriteScenes produces scene descriptions for a manifest.
func (c *OpenAIText) WriteScenes(ctx context.Context, req ScenesRequest) (*ScenesResult, error) {
	parsed, usage, err := c.chatJSON(ctx, "write_scenes", sceneWriterSystemPrompt, scenesUserPrompt(req), json.RawMessage(scenesSchema))
	if err != nil {
		return nil, err
	}

	var out struct {
		Scenes []struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			Description string `json:"description"`
			Location    string `json:"location"`
			Mood        string `json:"mood"`
			Lighting    string `json:"lighting"`
			CameraAngle string `json:"camera_angle"`
			Role        string `json:"role"`
			Action      string `json:"action"`
		} `json:"scenes"`
	}
	if err := json.Unmarshal(parsed, &out); err != nil {
		return nil, Permanent("write_scenes", fmt.Errorf("failed to decode scenes: %w", err))
	}

	scenes := make([]manifest.Scene, 0, len(out.Scenes))
	for _, s := range out.Scenes {
		scenes = append(scenes, manifest.Scene{
			ID:          s.ID,
			Title:       s.Title,
			Description: s.Description,
			Location:    s.Location,
			Mood:        s.Mood,
			Lighting:    s.Lighting,
			CameraAngle: s.CameraAngle,
			Role:        s.Role,
			Action:      s.Action,
		})
	}
	return &ScenesResult{Scenes: scenes, Usage: usage}, nil
}

// chatJSON sends one chat completion and parses/validates the JSON reply
// against schema. Invalid output gets up to maxRepairAttempts follow-up
// rounds carrying the validation issue back to the model.
func (c *OpenAIText) chatJSON(ctx context.Context, op, system, user string, schema json.RawMessage) (json.RawMessage, Usage, error) {
	start := time.Now()
	usage := Usage{Provider: OpenAITextName, Model: c.model}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, usage, err
	}

	msgs := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(user),
	}

	var lastContent string
	var lastIssue error
	for attempt := 0; attempt <= maxRepairAttempts; attempt++ {
		if attempt > 0 {
			msgs = append(msgs,
				openai.ChatCompletionMessageParamOfAssistant(lastContent),
				openai.UserMessage(repairPrompt(schema, lastContent, lastIssue)),
			)
		}

		params := openai.ChatCompletionNewParams{
			Model:       openai.ChatModel(c.model),
			Messages:    msgs,
			Temperature: openai.Float(c.temperature),
		}
		if c.maxTokens > 0 {
			params.MaxCompletionTokens = openai.Int(int64(c.maxTokens))
		}

		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			usage.Duration = time.Since(start)
			return nil, usage, classifyOpenAIError(op, err)
		}
		usage.CostUSD += float64(resp.Usage.PromptTokens)*(c.inCost1M/1_000_000.0) +
			float64(resp.Usage.CompletionTokens)*(c.outCost1M/1_000_000.0)

		if len(resp.Choices) == 0 {
			usage.Duration = time.Since(start)
			return nil, usage, Transient(op, fmt.Errorf("no choices in response"))
		}
		lastContent = resp.Choices[0].Message.Content

		parsed, perr := ParseJSON(lastContent)
		if perr != nil {
			lastIssue = perr
			continue
		}
		if verr := ValidateJSON(schema, parsed); verr != nil {
			lastIssue = verr
			continue
		}

		usage.Duration = time.Since(start)
		return parsed, usage, nil
	}

	usage.Duration = time.Since(start)
	return nil, usage, Permanent(op, fmt.Errorf("structured output still invalid after %d repair rounds: %w", maxRepairAttempts, lastIssue))
}

// classifyOpenAIError maps SDK errors onto the retry taxonomy. Transport
// and timeout failures are transient; cancellation is filtered out by
// IsTransient itself.
func classifyOpenAIError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return ClassifyStatus(op, apiErr.StatusCode, apiErr.Message)
	}
	return Transient(op, err)
}

const draftSchema = `{
  "type": "object",
  "required": ["prompt", "negative_prompt"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1},
    "negative_prompt": {"type": "string"}
  },
  "additionalProperties": false
}`

const critiqueSchema = `{
  "type": "object",
  "required": ["score", "notes"],
  "properties": {
    "score": {"type": "number", "minimum": 0, "maximum": 1},
    "notes": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": false
}`

const scenesSchema = `{
  "type": "object",
  "required": ["scenes"],
  "properties": {
    "scenes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "description"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "description": {"type": "string", "minLength": 1},
          "location": {"type": "string"},
          "mood": {"type": "string"},
          "lighting": {"type": "string"},
          "camera_angle": {"type": "string"},
          "role": {"type": "string"},
          "action": {"type": "string"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

const drafterSystemPrompt = `You are an expert prompt engineer for photorealistic image generation.

Write prompts that read like descriptions of an actual photograph. Every prompt must:
- open with "RAW photo" or "professional photograph"
- keep the subject's face clearly visible, well lit, and unobstructed
- name the camera and lens character (for example "85mm portrait lens, shallow depth of field")
- describe natural skin texture and realistic lighting
- place the subject inside the requested scene as a participant, not a bystander
- stay under 200 words

The negative prompt must exclude stylization: cartoon, anime, illustration, painting, deformed or duplicated faces.

Respond with JSON only: {"prompt": "...", "negative_prompt": "..."}.`

const criticSystemPrompt = `You are a strict reviewer of image-generation prompts. Score the prompt between 0.0 and 1.0 for how reliably it will produce a photorealistic image of the described person inside the requested scene.

Judge four things: photorealism language, face visibility and lighting, fidelity to the scene request, and integration of the subject into the action. Start from 1.0 and subtract for each concrete defect. Be harsh; most first drafts deserve less than 0.9.

Respond with JSON only: {"score": 0.0, "notes": ["specific, actionable improvement", ...]}. Notes must name what to change, not restate the score.`

const sceneWriterSystemPrompt = `You design scenes that place one real person inside a fictional universe. Produce varied, visually distinct scenes: different locations, moods, lighting, and camera angles. The person must be the clear subject of every scene with their face visible. Use short kebab-case ids.

Respond with JSON only: {"scenes": [{"id", "title", "description", "location", "mood", "lighting", "camera_angle", "role", "action"}, ...]}.`

func draftUserPrompt(req DraftRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fandom: %s\n", req.Fandom)
	if req.Style != "" {
		fmt.Fprintf(&b, "Visual style: %s\n", req.Style)
	}
	fmt.Fprintf(&b, "\nScene %q:\n", req.Scene.ID)
	if req.Scene.Title != "" {
		fmt.Fprintf(&b, "  Title: %s\n", req.Scene.Title)
	}
	fmt.Fprintf(&b, "  Description: %s\n", req.Scene.Description)
	if req.Scene.Location != "" {
		fmt.Fprintf(&b, "  Location: %s\n", req.Scene.Location)
	}
	if req.Scene.Mood != "" {
		fmt.Fprintf(&b, "  Mood: %s\n", req.Scene.Mood)
	}
	if req.Scene.Lighting != "" {
		fmt.Fprintf(&b, "  Lighting: %s\n", req.Scene.Lighting)
	}
	if req.Scene.CameraAngle != "" {
		fmt.Fprintf(&b, "  Camera angle: %s\n", req.Scene.CameraAngle)
	}
	if req.Scene.Role != "" {
		fmt.Fprintf(&b, "  Subject's role: %s\n", req.Scene.Role)
	}
	if req.Scene.Action != "" {
		fmt.Fprintf(&b, "  Action: %s\n", req.Scene.Action)
	}

	fmt.Fprintf(&b, "\nSubject: %s\n", req.Face.Description)
	if len(req.Face.KeyFeatures) > 0 {
		fmt.Fprintf(&b, "Key features to preserve: %s\n", strings.Join(req.Face.KeyFeatures, "; "))
	}

	if req.Revision > 1 && req.PriorPrompt != "" {
		fmt.Fprintf(&b, "\nThis is revision %d. Previous prompt:\n%s\n", req.Revision, req.PriorPrompt)
		if len(req.PriorNotes) > 0 {
			b.WriteString("\nReviewer notes to address:\n")
			for _, n := range req.PriorNotes {
				fmt.Fprintf(&b, "- %s\n", n)
			}
		}
	}
	return b.String()
}

func critiqueUserPrompt(req CritiqueRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fandom: %s\n", req.Fandom)
	if req.Style != "" {
		fmt.Fprintf(&b, "Visual style: %s\n", req.Style)
	}
	fmt.Fprintf(&b, "Scene %q: %s\n", req.Scene.ID, req.Scene.Description)
	fmt.Fprintf(&b, "\nPrompt under review:\n%s\n", req.Prompt)
	if req.NegativePrompt != "" {
		fmt.Fprintf(&b, "\nNegative prompt:\n%s\n", req.NegativePrompt)
	}
	return b.String()
}

func scenesUserPrompt(req ScenesRequest) string {
	var b strings.Builder
	count := req.Count
	if count <= 0 {
		count = 5
	}
	fmt.Fprintf(&b, "Write %d scenes set in %s.\n", count, req.Fandom)
	if req.Style != "" {
		fmt.Fprintf(&b, "Visual style: %s\n", req.Style)
	}
	fmt.Fprintf(&b, "\nThe subject: %s\n", req.Face.Description)
	if len(req.Face.KeyFeatures) > 0 {
		fmt.Fprintf(&b, "Key features: %s\n", strings.Join(req.Face.KeyFeatures, "; "))
	}
	return b.String()
}

// Verify interfaces
var (
	_ Drafter     = (*OpenAIText)(nil)
	_ Critic      = (*OpenAIText)(nil)
	_ SceneWriter = (*OpenAIText)(nil)
)
