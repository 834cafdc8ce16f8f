// Package enhance wraps the local language model that rewrites user
// prompts for better 3D generation results. Enhancement is an
// optimization: every failure mode here is non-fatal and the orchestrator
// falls back to the original prompt.
package enhance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dreamforge/config"
	"github.com/BaSui01/dreamforge/types"
)

// systemPrompt instructs the model to act as a 3D artist adding visual
// detail rather than narrative.
const systemPrompt = `You are an expert 3D artist. Your task is to enhance text prompts ` +
	`for 3D model generation. Add specific details about lighting, textures, materials, ` +
	`perspective, and other relevant attributes that would make the 3D model more vivid ` +
	`and realistic. Be specific but concise. Focus on visual details, not storytelling.`

// minEnhancedLength is the shortest output accepted as a real
// enhancement; anything shorter is treated as malformed.
const minEnhancedLength = 10

// Enhancer rewrites a prompt using prior session context.
type Enhancer interface {
	Enhance(ctx context.Context, prompt string, bundle *types.ContextBundle) (string, error)
}

// LocalEnhancer calls an OpenAI-compatible chat completions endpoint
// served by a local model runtime (llama.cpp server, Ollama, vLLM).
type LocalEnhancer struct {
	cfg    config.EnhancerConfig
	client *http.Client
	logger *zap.Logger
}

// NewLocalEnhancer creates an enhancer for the configured local model.
func NewLocalEnhancer(cfg config.EnhancerConfig, logger *zap.Logger) *LocalEnhancer {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &LocalEnhancer{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(zap.String("component", "enhancer")),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Enhance formats the context bundle and prompt into the model's chat
// input, calls the model, and normalizes the output to plain text.
func (e *LocalEnhancer) Enhance(ctx context.Context, prompt string, bundle *types.ContextBundle) (string, error) {
	start := time.Now()

	body, err := json.Marshal(chatRequest{
		Model:       e.cfg.Model,
		Messages:    e.buildMessages(prompt, bundle),
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
		Stop:        []string{"<|im_end|>", "</s>"},
	})
	if err != nil {
		return "", types.NewError(types.ErrEnhanceMalformed, "failed to encode request").
			WithStage(types.StageEnhance).WithCause(err)
	}

	endpoint := strings.TrimRight(e.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", types.NewError(types.ErrEnhanceUnavailable, "failed to build request").
			WithStage(types.StageEnhance).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		code := types.ErrEnhanceUnavailable
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			code = types.ErrEnhanceTimeout
		}
		return "", types.NewError(code, "model request failed").
			WithStage(types.StageEnhance).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrMsg(resp.Body)
		return "", types.NewError(types.ErrEnhanceUnavailable,
			fmt.Sprintf("model returned status %d: %s", resp.StatusCode, msg)).
			WithStage(types.StageEnhance)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", types.NewError(types.ErrEnhanceMalformed, "failed to decode response").
			WithStage(types.StageEnhance).WithCause(err)
	}
	if len(chatResp.Choices) == 0 {
		return "", types.NewError(types.ErrEnhanceMalformed, "response carried no choices").
			WithStage(types.StageEnhance)
	}

	enhanced := Normalize(chatResp.Choices[0].Message.Content)
	if len(enhanced) < minEnhancedLength {
		return "", types.NewError(types.ErrEnhanceMalformed, "response too short to be an enhancement").
			WithStage(types.StageEnhance)
	}

	contextPairs := 0
	if bundle != nil {
		contextPairs = len(bundle.Pairs)
	}
	e.logger.Debug("prompt enhanced",
		zap.Duration("duration", time.Since(start)),
		zap.Int("context_pairs", contextPairs),
		zap.Int("length", len(enhanced)),
	)

	return enhanced, nil
}

// buildMessages assembles the chat transcript: system instruction, prior
// (prompt, enhanced) pairs as few-shot turns, then the new prompt.
func (e *LocalEnhancer) buildMessages(prompt string, bundle *types.ContextBundle) []chatMessage {
	messages := []chatMessage{{Role: "system", Content: systemPrompt}}

	if bundle != nil {
		for _, pair := range bundle.Pairs {
			messages = append(messages,
				chatMessage{Role: "user", Content: "Enhance this prompt for 3D model generation: " + pair.Prompt},
				chatMessage{Role: "assistant", Content: pair.EnhancedPrompt},
			)
		}
	}

	messages = append(messages, chatMessage{
		Role:    "user",
		Content: "Enhance this prompt for 3D model generation: " + prompt,
	})
	return messages
}

// Normalize strips model-specific formatting artifacts from raw output:
// chat template tokens, role prefixes, label prefixes, wrapping quotes.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)

	for _, marker := range []string{"<|im_end|>", "<|im_start|>", "</s>", "<s>"} {
		s = strings.ReplaceAll(s, marker, "")
	}

	s = strings.TrimSpace(s)
	for _, prefix := range []string{"assistant\n", "assistant:", "Enhanced prompt:", "Enhanced Prompt:", "enhanced prompt:"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
	}

	// Models are fond of quoting their answer.
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	return strings.TrimSpace(s)
}

// isTimeout reports whether an HTTP client error is a timeout.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// readErrMsg extracts a short error message from a failed response body.
func readErrMsg(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return ""
	}
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return strings.TrimSpace(string(data))
}

// Ensure LocalEnhancer implements Enhancer
var _ Enhancer = (*LocalEnhancer)(nil)
