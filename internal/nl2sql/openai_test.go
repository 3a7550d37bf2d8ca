package nl2sql

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func chatResponse(content string) string {
	payload := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	}
	encoded, _ := json.Marshal(payload)
	return string(encoded)
}

func newTestTranslator(t *testing.T, handler http.HandlerFunc) *OpenAITranslator {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	translator, err := NewOpenAITranslator(OpenAIConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "llama-3.3-70b-versatile",
	})
	if err != nil {
		t.Fatalf("NewOpenAITranslator() error = %v", err)
	}
	return translator
}

func TestTranslateParsesJSONContent(t *testing.T) {
	translator := newTestTranslator(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(chatResponse(`{"sql": "SELECT department FROM salaries_2023", "explanation": "Lists departments."}`)))
	})

	result, err := translator.Translate(context.Background(), Request{
		Question: "which departments exist?",
		Table:    "salaries_2023",
		Columns:  []string{"department", "base_salary"},
	})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.SQL != "SELECT department FROM salaries_2023" {
		t.Fatalf("SQL = %q", result.SQL)
	}
	if result.Explanation != "Lists departments." {
		t.Fatalf("Explanation = %q", result.Explanation)
	}
	if result.Model != "llama-3.3-70b-versatile" {
		t.Fatalf("Model = %q", result.Model)
	}
}

func TestTranslateToleratesFencedJSON(t *testing.T) {
	translator := newTestTranslator(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatResponse("```json\n{\"sql\": \"SELECT 1\", \"explanation\": \"one\"}\n```")))
	})

	result, err := translator.Translate(context.Background(), Request{Question: "one", Table: "t"})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.SQL != "SELECT 1" {
		t.Fatalf("SQL = %q", result.SQL)
	}
}

func TestTranslateToleratesBareSQL(t *testing.T) {
	translator := newTestTranslator(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatResponse("```sql\nSELECT COUNT(*) FROM salaries_2023\n```")))
	})

	result, err := translator.Translate(context.Background(), Request{Question: "how many rows?", Table: "salaries_2023"})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.SQL != "SELECT COUNT(*) FROM salaries_2023" {
		t.Fatalf("SQL = %q", result.SQL)
	}
	if result.Explanation != "" {
		t.Fatalf("Explanation = %q", result.Explanation)
	}
}

func TestTranslateSendsFeedbackOnRetry(t *testing.T) {
	var gotUserPrompt string
	translator := newTestTranslator(t, func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		gotUserPrompt = payload.Messages[len(payload.Messages)-1].Content
		_, _ = w.Write([]byte(chatResponse(`{"sql": "SELECT department FROM salaries_2023", "explanation": ""}`)))
	})

	_, err := translator.Translate(context.Background(), Request{
		Question: "departments",
		Table:    "salaries_2023",
		Columns:  []string{"department"},
		Feedback: `identifier "bonus" is not part of the dataset schema`,
	})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if !strings.Contains(gotUserPrompt, "previous attempt was rejected") {
		t.Fatalf("prompt missing feedback section: %q", gotUserPrompt)
	}
	if !strings.Contains(gotUserPrompt, `identifier "bonus"`) {
		t.Fatalf("prompt missing rejection detail: %q", gotUserPrompt)
	}
}

func TestTranslateServerErrorIsTransient(t *testing.T) {
	translator := newTestTranslator(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := translator.Translate(context.Background(), Request{Question: "q", Table: "t"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("Translate() error = %v, want ErrTransient", err)
	}
}

func TestTranslateRateLimitIsTransient(t *testing.T) {
	translator := newTestTranslator(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := translator.Translate(context.Background(), Request{Question: "q", Table: "t"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("Translate() error = %v, want ErrTransient", err)
	}
}

func TestTranslateAuthFailureIsPermanent(t *testing.T) {
	translator := newTestTranslator(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	})

	_, err := translator.Translate(context.Background(), Request{Question: "q", Table: "t"})
	if err == nil {
		t.Fatal("Translate() should fail")
	}
	if errors.Is(err, ErrTransient) {
		t.Fatalf("Translate() error = %v, should be permanent", err)
	}
}

func TestTranslateMalformedContentIsTransient(t *testing.T) {
	translator := newTestTranslator(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatResponse("I cannot answer that.")))
	})

	_, err := translator.Translate(context.Background(), Request{Question: "q", Table: "t"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("Translate() error = %v, want ErrTransient", err)
	}
}

func TestParseModelContentRejectsEmptySQL(t *testing.T) {
	if _, _, err := parseModelContent(`{"sql": "", "explanation": "nothing"}`); err == nil {
		t.Fatal("parseModelContent() should fail on empty SQL")
	}
}
