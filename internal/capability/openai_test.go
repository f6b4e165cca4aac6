package capability

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/openai/openai-go/v3"

	"cameo/internal/manifest"
)

// chatCompletionBody builds a minimal chat completion response whose
// assistant message carries content.
func chatCompletionBody(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1719000000,
		"model":   "gpt-4o",
		"choices": []map[string]any{
			{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			},
		},
		"usage": map[string]any{"prompt_tokens": 100, "completion_tokens": 10, "total_tokens": 110},
	}
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

func TestOpenAIText_DraftPrompt(t *testing.T) {
	t.Run("successful draft", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Verify request
			if r.URL.Path != "/chat/completions" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			if r.Method != "POST" {
				t.Errorf("unexpected method: %s", r.Method)
			}
			if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
				t.Errorf("unexpected authorization: %s", auth)
			}

			var req chatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("failed to decode request: %v", err)
			}
			if req.Model != "gpt-4o" {
				t.Errorf("model = %q, want gpt-4o", req.Model)
			}
			if len(req.Messages) != 2 {
				t.Fatalf("expected 2 messages, got %d", len(req.Messages))
			}
			if req.Messages[0].Role != "system" {
				t.Errorf("first message role = %q, want system", req.Messages[0].Role)
			}
			if !strings.Contains(string(req.Messages[1].Content), "Fandom: Dune") {
				t.Errorf("user message missing fandom: %s", req.Messages[1].Content)
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(chatCompletionBody(
				`{"prompt": "RAW photo of the subject on a dune ridge", "negative_prompt": "cartoon, anime"}`,
			))
		}))
		defer server.Close()

		client := NewOpenAIText(OpenAITextConfig{APIKey: "test-key", BaseURL: server.URL})

		result, err := client.DraftPrompt(context.Background(), DraftRequest{
			Scene:    manifest.Scene{ID: "dune-ridge", Description: "walking a dune ridge at dusk"},
			Face:     manifest.FaceProfile{Description: "adult with short dark hair"},
			Fandom:   "Dune",
			Revision: 1,
		})

		if err != nil {
			t.Fatalf("DraftPrompt() error = %v", err)
		}
		if result.Prompt != "RAW photo of the subject on a dune ridge" {
			t.Errorf("unexpected prompt: %q", result.Prompt)
		}
		if result.NegativePrompt != "cartoon, anime" {
			t.Errorf("unexpected negative prompt: %q", result.NegativePrompt)
		}
		if result.Usage.Provider != OpenAITextName {
			t.Errorf("Provider = %q, want %q", result.Usage.Provider, OpenAITextName)
		}
		if result.Usage.Model != "gpt-4o" {
			t.Errorf("Model = %q, want gpt-4o", result.Usage.Model)
		}
		// 100 prompt tokens at $2.50/1M plus 10 completion tokens at $10/1M.
		wantCost := 100*(2.50/1_000_000.0) + 10*(10.00/1_000_000.0)
		if math.Abs(result.Usage.CostUSD-wantCost) > 1e-12 {
			t.Errorf("CostUSD = %v, want %v", result.Usage.CostUSD, wantCost)
		}
	})

	t.Run("repair round fixes invalid output", func(t *testing.T) {
		var calls int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			var req chatRequest
			json.NewDecoder(r.Body).Decode(&req)

			w.Header().Set("Content-Type", "application/json")
			if calls == 1 {
				// Valid JSON that fails schema validation.
				json.NewEncoder(w).Encode(chatCompletionBody(`{"prompt": ""}`))
				return
			}
			// The repair round must carry the failed output back as an
			// assistant message plus a correction request.
			if len(req.Messages) != 4 {
				t.Errorf("repair round has %d messages, want 4", len(req.Messages))
			}
			if req.Messages[2].Role != "assistant" {
				t.Errorf("message 3 role = %q, want assistant", req.Messages[2].Role)
			}
			if !strings.Contains(string(req.Messages[3].Content), "Validation issue") {
				t.Errorf("repair message missing validation issue: %s", req.Messages[3].Content)
			}
			json.NewEncoder(w).Encode(chatCompletionBody(
				`{"prompt": "RAW photo, fixed", "negative_prompt": ""}`,
			))
		}))
		defer server.Close()

		client := NewOpenAIText(OpenAITextConfig{APIKey: "test-key", BaseURL: server.URL})

		result, err := client.DraftPrompt(context.Background(), DraftRequest{
			Scene:  manifest.Scene{ID: "s1", Description: "scene"},
			Fandom: "Dune",
		})
		if err != nil {
			t.Fatalf("DraftPrompt() error = %v", err)
		}
		if calls != 2 {
			t.Errorf("expected 2 calls, got %d", calls)
		}
		if result.Prompt != "RAW photo, fixed" {
			t.Errorf("unexpected prompt: %q", result.Prompt)
		}
		// Both rounds bill tokens.
		wantCost := 2 * (100*(2.50/1_000_000.0) + 10*(10.00/1_000_000.0))
		if math.Abs(result.Usage.CostUSD-wantCost) > 1e-12 {
			t.Errorf("CostUSD = %v, want %v", result.Usage.CostUSD, wantCost)
		}
	})

	t.Run("repair rounds exhausted", func(t *testing.T) {
		var calls int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(chatCompletionBody("I cannot produce JSON right now."))
		}))
		defer server.Close()

		client := NewOpenAIText(OpenAITextConfig{APIKey: "test-key", BaseURL: server.URL})

		_, err := client.DraftPrompt(context.Background(), DraftRequest{
			Scene:  manifest.Scene{ID: "s1", Description: "scene"},
			Fandom: "Dune",
		})
		if err == nil {
			t.Fatal("expected error after exhausted repair rounds")
		}
		if !IsPermanent(err) {
			t.Errorf("expected permanent classification, got %v", err)
		}
		if calls != maxRepairAttempts+1 {
			t.Errorf("expected %d calls, got %d", maxRepairAttempts+1, calls)
		}
	})
}

func TestOpenAIText_CritiquePrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !strings.Contains(string(req.Messages[1].Content), "Prompt under review") {
			t.Errorf("user message missing prompt under review: %s", req.Messages[1].Content)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletionBody(
			`{"score": 0.85, "notes": ["name the lens", "brighten the face"]}`,
		))
	}))
	defer server.Close()

	client := NewOpenAIText(OpenAITextConfig{APIKey: "test-key", BaseURL: server.URL})

	result, err := client.CritiquePrompt(context.Background(), CritiqueRequest{
		Scene:  manifest.Scene{ID: "s1", Description: "scene"},
		Fandom: "Dune",
		Prompt: "RAW photo of the subject",
	})
	if err != nil {
		t.Fatalf("CritiquePrompt() error = %v", err)
	}
	if result.Score != 0.85 {
		t.Errorf("Score = %f, want 0.85", result.Score)
	}
	if len(result.Notes) != 2 || result.Notes[0] != "name the lens" {
		t.Errorf("unexpected notes: %v", result.Notes)
	}
}

func TestOpenAIText_WriteScenes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !strings.Contains(string(req.Messages[1].Content), "Write 2 scenes set in Dune") {
			t.Errorf("user message missing scene count: %s", req.Messages[1].Content)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletionBody(`{"scenes": [
			{"id": "sietch-entry", "title": "Entering the sietch", "description": "stepping into a hidden cave city", "camera_angle": "low angle"},
			{"id": "worm-ride", "description": "riding a sandworm across the open desert", "mood": "triumphant"}
		]}`))
	}))
	defer server.Close()

	client := NewOpenAIText(OpenAITextConfig{APIKey: "test-key", BaseURL: server.URL})

	result, err := client.WriteScenes(context.Background(), ScenesRequest{
		Fandom: "Dune",
		Face:   manifest.FaceProfile{Description: "adult with short dark hair"},
		Count:  2,
	})
	if err != nil {
		t.Fatalf("WriteScenes() error = %v", err)
	}
	if len(result.Scenes) != 2 {
		t.Fatalf("expected 2 scenes, got %d", len(result.Scenes))
	}
	if result.Scenes[0].ID != "sietch-entry" {
		t.Errorf("unexpected scene id: %q", result.Scenes[0].ID)
	}
	if result.Scenes[0].CameraAngle != "low angle" {
		t.Errorf("unexpected camera angle: %q", result.Scenes[0].CameraAngle)
	}
	if result.Scenes[1].Mood != "triumphant" {
		t.Errorf("unexpected mood: %q", result.Scenes[1].Mood)
	}
}

func TestClassifyOpenAIError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{"rate limit", &openai.Error{StatusCode: http.StatusTooManyRequests, Message: "rate limited"}, true},
		{"server error", &openai.Error{StatusCode: http.StatusInternalServerError, Message: "oops"}, true},
		{"bad request", &openai.Error{StatusCode: http.StatusBadRequest, Message: "bad prompt"}, false},
		{"transport failure", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifyOpenAIError("draft_prompt", tt.err)
			if IsTransient(classified) != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v (err: %v)", IsTransient(classified), tt.wantTransient, classified)
			}
		})
	}
}

func TestDraftUserPrompt_CarriesRevisionContext(t *testing.T) {
	prompt := draftUserPrompt(DraftRequest{
		Scene:       manifest.Scene{ID: "s1", Description: "scene"},
		Fandom:      "Dune",
		Revision:    2,
		PriorPrompt: "RAW photo, first try",
		PriorNotes:  []string{"face is in shadow", "missing lens detail"},
	})

	if !strings.Contains(prompt, "This is revision 2") {
		t.Errorf("prompt missing revision marker:\n%s", prompt)
	}
	if !strings.Contains(prompt, "RAW photo, first try") {
		t.Errorf("prompt missing prior prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "- face is in shadow") {
		t.Errorf("prompt missing reviewer notes:\n%s", prompt)
	}
}
