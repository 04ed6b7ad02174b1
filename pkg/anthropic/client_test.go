package anthropic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageRequest_Deterministic(t *testing.T) {
	var req MessageRequest
	req.Deterministic()
	assert.NotNil(t, req.Temperature)
	assert.Equal(t, 0.0, *req.Temperature)
	assert.NotNil(t, req.TopK)
	assert.Equal(t, int64(1), *req.TopK)
}

func TestMessageRequest_Creative(t *testing.T) {
	var req MessageRequest
	req.Deterministic()
	req.Creative()
	assert.Equal(t, 1.0, *req.Temperature)
	assert.Nil(t, req.TopK)
}

func TestMessageResponse_Text(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: "hello "},
		{Type: "thinking", Text: "skip me"},
		{Type: "text", Text: "world"},
	}}
	assert.Equal(t, "hello world", resp.Text())
}

func TestTokenUsage_EstimateCost(t *testing.T) {
	usage := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	cost := usage.EstimateCost("claude-sonnet-4-5-20250929")
	assert.InDelta(t, 18.0, cost, 0.001)

	assert.Equal(t, 0.0, usage.EstimateCost("unknown-model"))
}

func TestTokenUsage_EstimateCost_CacheTokens(t *testing.T) {
	usage := TokenUsage{
		CacheCreationInputTokens: 1_000_000,
		CacheReadInputTokens:     1_000_000,
	}
	cost := usage.EstimateCost("claude-haiku-4-5-20251001")
	// write at 1.25x input rate, read at 0.1x input rate
	assert.InDelta(t, 0.80*1.25+0.80*0.1, cost, 0.0001)
}

func TestRetryableAPIError(t *testing.T) {
	assert.True(t, retryableAPIError(errors.New("POST /v1/messages: 429 Too Many Requests")))
	assert.True(t, retryableAPIError(errors.New("529 overloaded_error")))
	assert.False(t, retryableAPIError(errors.New("400 invalid_request_error")))
	assert.False(t, retryableAPIError(errors.New("401 authentication_error")))
}

func TestBuildCachedSystemBlocks(t *testing.T) {
	blocks := BuildCachedSystemBlocks("you map columns")
	assert.Len(t, blocks, 1)
	assert.Equal(t, "you map columns", blocks[0].Text)
	assert.Equal(t, "5m", blocks[0].CacheControl.TTL)
}
