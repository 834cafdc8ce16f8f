package enhance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dreamforge/config"
	"github.com/BaSui01/dreamforge/types"
)

func newTestEnhancer(baseURL string, timeout time.Duration) *LocalEnhancer {
	return NewLocalEnhancer(config.EnhancerConfig{
		BaseURL:     baseURL,
		Model:       "tinyllama",
		Temperature: 0.7,
		MaxTokens:   256,
		Timeout:     timeout,
	}, zap.NewNop())
}

func chatReply(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestEnhanceSuccess(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(chatReply("a glowing dragon, volumetric sunset lighting, iridescent scales")))
	}))
	defer srv.Close()

	e := newTestEnhancer(srv.URL, 5*time.Second)
	got, err := e.Enhance(context.Background(), "a glowing dragon", &types.ContextBundle{})
	require.NoError(t, err)
	assert.Equal(t, "a glowing dragon, volumetric sunset lighting, iridescent scales", got)

	require.NotEmpty(t, gotReq.Messages)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Contains(t, gotReq.Messages[len(gotReq.Messages)-1].Content, "a glowing dragon")
}

func TestEnhanceIncludesContextBundle(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(chatReply("it is now blue, matching the prior dragon scene")))
	}))
	defer srv.Close()

	bundle := &types.ContextBundle{Pairs: []types.ContextPair{
		{Prompt: "a glowing dragon", EnhancedPrompt: "a glowing dragon, cinematic"},
	}}

	e := newTestEnhancer(srv.URL, 5*time.Second)
	_, err := e.Enhance(context.Background(), "now make it blue", bundle)
	require.NoError(t, err)

	// system + (user, assistant) pair + final user
	require.Len(t, gotReq.Messages, 4)
	assert.Contains(t, gotReq.Messages[1].Content, "a glowing dragon")
	assert.Equal(t, "assistant", gotReq.Messages[2].Role)
	assert.Equal(t, "a glowing dragon, cinematic", gotReq.Messages[2].Content)
}

func TestEnhanceNormalizesArtifacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatReply("Enhanced prompt: \"a red fox, studio lighting, soft fur texture\"<|im_end|>")))
	}))
	defer srv.Close()

	e := newTestEnhancer(srv.URL, 5*time.Second)
	got, err := e.Enhance(context.Background(), "a red fox", nil)
	require.NoError(t, err)
	assert.Equal(t, "a red fox, studio lighting, soft fur texture", got)
}

func TestEnhanceTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(chatReply("too late")))
	}))
	defer srv.Close()

	e := newTestEnhancer(srv.URL, 20*time.Millisecond)
	_, err := e.Enhance(context.Background(), "a red fox", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrEnhanceTimeout, types.GetErrorCode(err))
}

func TestEnhanceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model loading"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := newTestEnhancer(srv.URL, 5*time.Second)
	_, err := e.Enhance(context.Background(), "a red fox", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrEnhanceUnavailable, types.GetErrorCode(err))
}

func TestEnhanceMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "garbage"},
		{"no choices", `{"choices":[]}`},
		{"too short", chatReply("ok")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			e := newTestEnhancer(srv.URL, 5*time.Second)
			_, err := e.Enhance(context.Background(), "a red fox", nil)
			require.Error(t, err)
			assert.Equal(t, types.ErrEnhanceMalformed, types.GetErrorCode(err))
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  plain text  ", "plain text"},
		{"assistant\na chair, oak wood", "a chair, oak wood"},
		{"Enhanced Prompt: a lamp", "a lamp"},
		{"\"quoted answer\"", "quoted answer"},
		{"mid<|im_start|>dle<|im_end|>", "middle"},
		{"</s>", ""},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
