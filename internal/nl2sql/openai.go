package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAITranslator speaks the OpenAI-compatible chat completion protocol,
// which Groq also serves. The model is asked for a strict JSON object with
// "sql" and "explanation" fields.
type OpenAITranslator struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func NewOpenAITranslator(cfg OpenAIConfig) (*OpenAITranslator, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAITranslator{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (t *OpenAITranslator) Translate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Question) == "" {
		return Result{}, fmt.Errorf("question is empty")
	}

	body, err := json.Marshal(buildChatPayload(t.model, t.temperature, req))
	if err != nil {
		return Result{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: request chat completion: %v", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read chat response body: %v", ErrTransient, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("%w: chat completion failed status=%d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, string(rawRespBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("%w: decode chat completion response: %v", ErrTransient, err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: empty chat completion choices", ErrTransient)
	}

	sqlText, explanation, err := parseModelContent(parsed.Choices[0].Message.Content)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return Result{
		SQL:         sqlText,
		Explanation: explanation,
		Provider:    "openai-compatible",
		Model:       t.model,
	}, nil
}

func buildChatPayload(model string, temperature float64, req Request) map[string]any {
	systemPrompt := "You convert natural language questions about a single dataset into one DuckDB SQL query. " +
		"DuckDB uses PostgreSQL-like SQL syntax. " +
		`Respond with a JSON object of the form {"sql": "...", "explanation": "..."} and nothing else. ` +
		"The explanation must describe in plain language what the query computes."

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Table: %s\nColumns: %s\n", req.Table, strings.Join(req.Columns, ", "))
	if len(req.SampleRows) > 0 {
		if sample, err := json.Marshal(req.SampleRows); err == nil {
			fmt.Fprintf(&prompt, "Sample rows (JSON):\n%s\n", sample)
		}
	}
	fmt.Fprintf(&prompt, "\nQuestion:\n%s\n", strings.TrimSpace(req.Question))
	prompt.WriteString("\nRules:\n- Read-only SELECT only, a single statement.\n- Reference only the listed table and columns.\n- No markdown fences.")
	if strings.TrimSpace(req.Feedback) != "" {
		fmt.Fprintf(&prompt, "\n\nYour previous attempt was rejected: %s\nProduce a corrected query.", strings.TrimSpace(req.Feedback))
	}

	return map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt.String()},
		},
		"temperature": temperature,
	}
}

// parseModelContent extracts the sql/explanation pair. Models occasionally
// wrap the JSON in markdown fences or fall back to bare SQL; both are
// tolerated, anything else is a malformed (retryable) response.
func parseModelContent(content string) (string, string, error) {
	trimmed := stripMarkdownFence(content)
	if trimmed == "" {
		return "", "", fmt.Errorf("model returned empty content")
	}

	var payload struct {
		SQL         string `json:"sql"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
		if strings.TrimSpace(payload.SQL) == "" {
			return "", "", fmt.Errorf("model returned empty SQL")
		}
		return strings.TrimSpace(payload.SQL), strings.TrimSpace(payload.Explanation), nil
	}

	if looksLikeSQL(trimmed) {
		return trimmed, "", nil
	}
	return "", "", fmt.Errorf("model response is neither JSON nor SQL")
}

func looksLikeSQL(value string) bool {
	lower := strings.ToLower(value)
	return strings.HasPrefix(lower, "select") || strings.HasPrefix(lower, "with")
}

func stripMarkdownFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
