package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pavelanni/examroom/internal/llm/prompts"
)

func TestMain(m *testing.M) {
	if err := prompts.Load(prompts.FS); err != nil {
		panic(err)
	}
	m.Run()
}

func TestParseRating(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantRating  float64
		wantComment string
	}{
		{"json", `{"rating": 8, "comment": "Clear ideas."}`, 8, "Clear ideas."},
		{"json in fence", "```json\n{\"rating\": 6.5, \"comment\": \"Good\"}\n```", 6.5, "Good"},
		{"json without comment", `{"rating": 3}`, 3, noComment},
		{"json rating as string", `{"rating": "7", "comment": "ok"}`, 7, noComment},
		{"plain", "Rating: 9\nComment: Thorough and coherent.", 9, "Thorough and coherent."},
		{"plain lowercase", "rating: 4\ncomment: needs structure", 4, "needs structure"},
		{"clamped high", `{"rating": 14, "comment": "wow"}`, 10, "wow"},
		{"clamped low", "Rating: -2\nComment: off-topic", 0, "off-topic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRating(tt.raw)
			if err != nil {
				t.Fatalf("ParseRating(%q): %v", tt.raw, err)
			}
			if got.Rating != tt.wantRating {
				t.Errorf("Rating = %v, want %v", got.Rating, tt.wantRating)
			}
			if got.Comment != tt.wantComment {
				t.Errorf("Comment = %q, want %q", got.Comment, tt.wantComment)
			}
		})
	}
}

func TestParseRatingErrors(t *testing.T) {
	for _, raw := range []string{"", "   ", "I cannot rate this.", `{"comment": "no number"}`} {
		_, err := ParseRating(raw)
		var re *RatingError
		if !errors.As(err, &re) {
			t.Errorf("ParseRating(%q) err = %v, want *RatingError", raw, err)
		}
	}
}

func TestRatingErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &RatingError{Reason: "LLM API call", Wrapped: cause}
	if !errors.Is(err, cause) {
		t.Error("RatingError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func chatServer(t *testing.T, content string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		body, _ := json.Marshal(content)
		fmt.Fprintf(w, `{"id":"c1","object":"chat.completion","model":"test","choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":"stop"}]}`, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRateEssay(t *testing.T) {
	var req map[string]any
	srv := chatServer(t, `{"rating": 7, "comment": "Well argued."}`, &req)
	c := New(srv.URL, "key", "test-model", prompts.PromptStandard)

	got, err := c.RateEssay(context.Background(), "Why is the sky blue?", "Rayleigh scattering.")
	if err != nil {
		t.Fatalf("RateEssay: %v", err)
	}
	if got.Rating != 7 || got.Comment != "Well argued." {
		t.Errorf("RateEssay() = %+v", got)
	}

	if req["model"] != "test-model" {
		t.Errorf("model = %v, want test-model", req["model"])
	}
	if temp, _ := req["temperature"].(float64); temp < 0.69 || temp > 0.71 {
		t.Errorf("temperature = %v, want 0.7", req["temperature"])
	}
	format, _ := req["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", req["response_format"])
	}
	msgs, _ := req["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	msg, _ := msgs[0].(map[string]any)
	if content, _ := msg["content"].(string); !strings.Contains(content, "Rayleigh scattering.") {
		t.Error("prompt does not include the answer")
	}
}

func TestClientRateEssayUnparseable(t *testing.T) {
	srv := chatServer(t, "As an AI I cannot grade.", nil)
	c := New(srv.URL, "key", "test-model", prompts.PromptLenient)

	_, err := c.RateEssay(context.Background(), "q", "a")
	var re *RatingError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RatingError", err)
	}
}

func TestClientRateEssayAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded","type":"server_error"}}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL, "key", "test-model", prompts.PromptStrict)

	_, err := c.RateEssay(context.Background(), "q", "a")
	var re *RatingError
	if !errors.As(err, &re) || re.Wrapped == nil {
		t.Fatalf("err = %v, want wrapped *RatingError", err)
	}
}

func TestNewGeminiRequiresKey(t *testing.T) {
	if _, err := NewGemini(context.Background(), "", "", prompts.PromptStandard); err == nil {
		t.Error("expected error without API key")
	}
}
