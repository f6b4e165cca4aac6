package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNanoBananaClient_RenderImage(t *testing.T) {
	t.Run("successful render", func(t *testing.T) {
		imageBytes := []byte("rendered-image-bytes")
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Verify request
			if r.URL.Path != "/generate" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			if r.Method != "POST" {
				t.Errorf("unexpected method: %s", r.Method)
			}
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("unexpected content-type: %s", ct)
			}
			if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
				t.Errorf("unexpected authorization: %s", auth)
			}

			var req nbGenerateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("failed to decode request: %v", err)
			}
			if req.Prompt != "a hero on a cliff at dawn" {
				t.Errorf("unexpected prompt: %q", req.Prompt)
			}
			if req.AspectRatio != nanoBananaDefaultAspectRatio {
				t.Errorf("aspect_ratio = %q, want default %q", req.AspectRatio, nanoBananaDefaultAspectRatio)
			}
			if req.Resolution != nanoBananaDefaultResolution {
				t.Errorf("resolution = %q, want default %q", req.Resolution, nanoBananaDefaultResolution)
			}
			if req.GuidanceScale != nanoBananaDefaultGuidance {
				t.Errorf("guidance_scale = %f, want default %f", req.GuidanceScale, nanoBananaDefaultGuidance)
			}
			if req.NumInferenceSteps != nanoBananaDefaultSteps {
				t.Errorf("num_inference_steps = %d, want default %d", req.NumInferenceSteps, nanoBananaDefaultSteps)
			}

			resp := nbGenerateResponse{
				ImageBase64:    base64.StdEncoding.EncodeToString(imageBytes),
				Seed:           42,
				GenerationTime: 3.2,
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		}))
		defer server.Close()

		client := NewNanoBananaClient(NanoBananaConfig{
			APIKey:  "test-key",
			BaseURL: server.URL,
		})

		result, err := client.RenderImage(context.Background(), RenderRequest{
			SceneID: "scene-1",
			Prompt:  "a hero on a cliff at dawn",
		})

		if err != nil {
			t.Fatalf("RenderImage() error = %v", err)
		}
		if !bytes.Equal(result.Image, imageBytes) {
			t.Errorf("unexpected image payload: %q", result.Image)
		}
		if result.Seed != 42 {
			t.Errorf("Seed = %d, want 42", result.Seed)
		}
		if result.Usage.Provider != NanoBananaName {
			t.Errorf("Provider = %q, want %q", result.Usage.Provider, NanoBananaName)
		}
		if result.Usage.CostUSD != 0.04 {
			t.Errorf("CostUSD = %f, want default 0.04", result.Usage.CostUSD)
		}
		if result.Usage.Duration == 0 {
			t.Error("expected non-zero Duration")
		}
	})

	t.Run("conditioning overrides defaults", func(t *testing.T) {
		var received nbGenerateRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&received)
			resp := nbGenerateResponse{ImageBase64: base64.StdEncoding.EncodeToString([]byte("img"))}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		}))
		defer server.Close()

		client := NewNanoBananaClient(NanoBananaConfig{
			APIKey:          "test-key",
			BaseURL:         server.URL,
			CostPerImageUSD: 0.10,
		})

		seed := int64(99)
		result, err := client.RenderImage(context.Background(), RenderRequest{
			SceneID:        "scene-1",
			Prompt:         "portrait",
			NegativePrompt: "blurry",
			Conditioning: Conditioning{
				ReferenceImage:    []byte("source-face"),
				ReferenceStrength: 0.8,
				AspectRatio:       "1:1",
				Resolution:        "1024x1024",
				GuidanceScale:     9,
				Steps:             30,
				Seed:              &seed,
			},
		})
		if err != nil {
			t.Fatalf("RenderImage() error = %v", err)
		}

		if received.NegativePrompt != "blurry" {
			t.Errorf("negative_prompt = %q", received.NegativePrompt)
		}
		if received.AspectRatio != "1:1" {
			t.Errorf("aspect_ratio = %q, want 1:1", received.AspectRatio)
		}
		if received.Resolution != "1024x1024" {
			t.Errorf("resolution = %q, want 1024x1024", received.Resolution)
		}
		if received.GuidanceScale != 9 {
			t.Errorf("guidance_scale = %f, want 9", received.GuidanceScale)
		}
		if received.NumInferenceSteps != 30 {
			t.Errorf("num_inference_steps = %d, want 30", received.NumInferenceSteps)
		}
		if received.Seed == nil || *received.Seed != 99 {
			t.Errorf("seed = %v, want 99", received.Seed)
		}
		if received.ReferenceStrength != 0.8 {
			t.Errorf("reference_strength = %f, want 0.8", received.ReferenceStrength)
		}
		want := base64.StdEncoding.EncodeToString([]byte("source-face"))
		if received.ReferenceImage != want {
			t.Errorf("reference_image = %q, want %q", received.ReferenceImage, want)
		}
		if result.Usage.CostUSD != 0.10 {
			t.Errorf("CostUSD = %f, want configured 0.10", result.Usage.CostUSD)
		}
	})

	t.Run("hosted image URL", func(t *testing.T) {
		imageBytes := []byte("hosted-image-bytes")
		var server *httptest.Server
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/generate":
				resp := nbGenerateResponse{
					ImageURL: server.URL + "/images/out.png",
					Seed:     7,
				}
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(resp)
			case "/images/out.png":
				w.Write(imageBytes)
			default:
				t.Errorf("unexpected path: %s", r.URL.Path)
				w.WriteHeader(http.StatusNotFound)
			}
		}))
		defer server.Close()

		client := NewNanoBananaClient(NanoBananaConfig{
			APIKey:  "test-key",
			BaseURL: server.URL,
		})

		result, err := client.RenderImage(context.Background(), RenderRequest{Prompt: "portrait"})
		if err != nil {
			t.Fatalf("RenderImage() error = %v", err)
		}
		if !bytes.Equal(result.Image, imageBytes) {
			t.Errorf("unexpected image payload: %q", result.Image)
		}
		if result.ProviderRef != server.URL+"/images/out.png" {
			t.Errorf("unexpected ProviderRef: %q", result.ProviderRef)
		}
	})

	t.Run("transient backend error at status 200", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp := nbGenerateResponse{Error: "model overloaded, try again later"}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		}))
		defer server.Close()

		client := NewNanoBananaClient(NanoBananaConfig{APIKey: "test-key", BaseURL: server.URL})

		_, err := client.RenderImage(context.Background(), RenderRequest{Prompt: "portrait"})
		if err == nil {
			t.Fatal("expected error for backend error response")
		}
		if !IsTransient(err) {
			t.Errorf("expected transient classification, got %v", err)
		}
	})

	t.Run("permanent backend error at status 200", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp := nbGenerateResponse{Error: "prompt rejected by safety filter"}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		}))
		defer server.Close()

		client := NewNanoBananaClient(NanoBananaConfig{APIKey: "test-key", BaseURL: server.URL})

		_, err := client.RenderImage(context.Background(), RenderRequest{Prompt: "portrait"})
		if err == nil {
			t.Fatal("expected error for backend error response")
		}
		if !IsPermanent(err) {
			t.Errorf("expected permanent classification, got %v", err)
		}
	})

	t.Run("rate limited status is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		client := NewNanoBananaClient(NanoBananaConfig{APIKey: "test-key", BaseURL: server.URL})

		_, err := client.RenderImage(context.Background(), RenderRequest{Prompt: "portrait"})
		if err == nil {
			t.Fatal("expected error for 429 response")
		}
		if !IsTransient(err) {
			t.Errorf("expected transient classification, got %v", err)
		}
	})

	t.Run("bad request status is permanent", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": "invalid resolution"}`))
		}))
		defer server.Close()

		client := NewNanoBananaClient(NanoBananaConfig{APIKey: "test-key", BaseURL: server.URL})

		_, err := client.RenderImage(context.Background(), RenderRequest{Prompt: "portrait"})
		if err == nil {
			t.Fatal("expected error for 400 response")
		}
		if !IsPermanent(err) {
			t.Errorf("expected permanent classification, got %v", err)
		}
	})

	t.Run("response without image", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"seed": 5}`))
		}))
		defer server.Close()

		client := NewNanoBananaClient(NanoBananaConfig{APIKey: "test-key", BaseURL: server.URL})

		_, err := client.RenderImage(context.Background(), RenderRequest{Prompt: "portrait"})
		if err == nil {
			t.Fatal("expected error for empty response")
		}
		if !IsPermanent(err) {
			t.Errorf("expected permanent classification, got %v", err)
		}
		if !strings.Contains(err.Error(), "no image") {
			t.Errorf("unexpected error message: %v", err)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := NewNanoBananaClient(NanoBananaConfig{APIKey: "test-key", BaseURL: server.URL})

		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		_, err := client.RenderImage(ctx, RenderRequest{Prompt: "portrait"})
		if err == nil {
			t.Fatal("expected error from cancelled context")
		}
		if IsTransient(err) {
			t.Error("cancellation must not classify as transient")
		}
	})
}
