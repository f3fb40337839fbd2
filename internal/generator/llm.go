package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/pkg/httpretry"
)

// LLM generates text through an OpenAI-compatible chat completions endpoint.
type LLM struct {
	client     httpretry.HTTPDoer
	baseURL    string
	apiKey     string
	model      string
	charLimits map[Kind]int
}

// NewLLM creates the chat-API backend. charLimits overrides per-kind length
// caps; nil keeps the defaults. The client is wrapped with retry (at most two
// retries) unless it already is a RetryClient.
func NewLLM(client httpretry.HTTPDoer, baseURL, apiKey, model string, timeout time.Duration, charLimits map[Kind]int) *LLM {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if _, ok := client.(*httpretry.RetryClient); !ok {
		client = httpretry.NewRetryClient(client, 2)
	}
	limits := make(map[Kind]int, len(defaultCharLimits))
	for k, v := range defaultCharLimits {
		limits[k] = v
	}
	for k, v := range charLimits {
		limits[k] = v
	}
	return &LLM{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		charLimits: limits,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate produces one text. Backend failures (after the retry budget) are
// wrapped so the caller can decide on a fallback.
func (l *LLM) Generate(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: l.model,
		Messages: []chatMessage{
			{Role: "system", Content: l.systemPrompt(req)},
			{Role: "user", Content: l.userPrompt(req)},
		},
		MaxTokens:   600,
		Temperature: 0.9,
	})
	if err != nil {
		return "", fmt.Errorf("generator: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("generator: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+l.apiKey)
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generator: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("generator: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generator: api status %d: %s", resp.StatusCode, clampChars(string(body), 200))
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("generator: decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("generator: api error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("generator: empty completion")
	}
	return clampChars(out.Choices[0].Message.Content, l.charLimits[req.Kind]), nil
}

// systemPrompt establishes the persona and hard style rules.
func (l *LLM) systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Ты пишешь от лица реального человека в Telegram.")
	if req.Persona != "" {
		b.WriteString(" Персонаж: " + req.Persona + ".")
	}
	b.WriteString(" Пиши естественно и коротко, без рекламных клише, без хэштегов, без упоминания что ты ИИ.")
	return b.String()
}

// strategyTone maps comment strategies to tone instructions.
var strategyTone = map[domain.Strategy]string{
	domain.StrategySmart:      "вдумчивый, добавь собственное наблюдение по теме",
	domain.StrategySupportive: "поддерживающий и доброжелательный",
	domain.StrategyFunny:      "лёгкий и остроумный, уместная шутка",
	domain.StrategyExpert:     "экспертный, один конкретный практический совет",
}

func (l *LLM) userPrompt(req Request) string {
	var b strings.Builder
	switch req.Kind {
	case KindComment:
		fmt.Fprintf(&b, "Напиши комментарий под постом канала. Тон: %s.\n", strategyTone[req.Strategy])
		if req.Excerpt != "" {
			fmt.Fprintf(&b, "Текст поста: %s\n", req.Excerpt)
		}
	case KindPost:
		fmt.Fprintf(&b, "Напиши пост для канала на тему %q, аудитория: %s.\n", req.Topic, req.Segment)
	case KindInviteTeaser:
		fmt.Fprintf(&b, "Напиши короткий анонс закрытого канала на тему %q с интригой, аудитория: %s. Ссылку не вставляй, она будет добавлена отдельно.\n", req.Topic, req.Segment)
	case KindDirectMessage:
		fmt.Fprintf(&b, "Напиши личное сообщение на тему %q, дружелюбно, без навязчивости.\n", req.Topic)
	}
	fmt.Fprintf(&b, "Не длиннее %d символов.", l.charLimits[req.Kind])
	return b.String()
}
