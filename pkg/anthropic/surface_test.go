package anthropic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface"
)

type fakeMessenger struct {
	mu      sync.Mutex
	reqs    []MessageRequest
	release chan struct{}
	err     error
}

func (f *fakeMessenger) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &MessageResponse{Model: req.Model, Text: "reply: " + req.Prompt}, nil
}

func (f *fakeMessenger) requests() []MessageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MessageRequest(nil), f.reqs...)
}

func waitIdle(t *testing.T, s *Surface, h surface.Handle) {
	t.Helper()
	require.Eventually(t, func() bool {
		busy, err := s.PollBusy(context.Background(), h)
		return err == nil && !busy
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSurface_Roundtrip(t *testing.T) {
	ctx := context.Background()
	fm := &fakeMessenger{release: make(chan struct{})}
	s := NewSurface(fm, WithMaxTokens(512), WithSystem("be brief"))

	h, err := s.Open(ctx, "anthropic:claude-sonnet-4-5", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Position)

	require.NoError(t, s.InputText(ctx, h, "what is 2+2"))
	require.NoError(t, s.SelectOption(ctx, h, "model", "claude-opus-4-1"))
	require.NoError(t, s.SelectOption(ctx, h, "feature", "DeepResearch"))

	subCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, s.Submit(subCtx, h))
	cancel() // the request outlives the submit context

	busy, err := s.PollBusy(ctx, h)
	require.NoError(t, err)
	assert.True(t, busy)
	assert.Error(t, s.Submit(ctx, h), "second submit while in flight")

	close(fm.release)
	waitIdle(t, s, h)

	text, err := s.ExtractText(ctx, h, surface.StrategyLastMessage)
	require.NoError(t, err)
	assert.Equal(t, "reply: what is 2+2", text)

	reqs := fm.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "claude-opus-4-1", reqs[0].Model)
	assert.Equal(t, int64(512), reqs[0].MaxTokens)
	assert.Equal(t, "be brief", reqs[0].System)
}

func TestSurface_OpenRequiresModel(t *testing.T) {
	s := NewSurface(&fakeMessenger{})
	_, err := s.Open(context.Background(), "https://claude.ai/new", 0)
	assert.Error(t, err)
	_, err = s.Open(context.Background(), "anthropic:", 0)
	assert.Error(t, err)
}

func TestSurface_RequestErrorSurfacesOnExtract(t *testing.T) {
	ctx := context.Background()
	s := NewSurface(&fakeMessenger{err: errors.New("429 rate limit exceeded")})

	h, err := s.Open(ctx, "anthropic:claude-haiku-4-5", 0)
	require.NoError(t, err)
	require.NoError(t, s.InputText(ctx, h, "hi"))
	require.NoError(t, s.Submit(ctx, h))
	waitIdle(t, s, h)

	_, err = s.ExtractText(ctx, h, surface.StrategyResponse)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestSurface_EmptyPromptAndClose(t *testing.T) {
	ctx := context.Background()
	fm := &fakeMessenger{release: make(chan struct{})}
	s := NewSurface(fm)

	h, err := s.Open(ctx, "anthropic:claude-haiku-4-5", 0)
	require.NoError(t, err)
	assert.Error(t, s.InputText(ctx, h, "   "))
	assert.Error(t, s.Submit(ctx, h))

	require.NoError(t, s.InputText(ctx, h, "hi"))
	require.NoError(t, s.Submit(ctx, h))
	require.NoError(t, s.Close(ctx, h))
	require.NoError(t, s.Close(ctx, h))

	ok, err := s.Exists(ctx, h)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.PollBusy(ctx, h)
	assert.Error(t, err)
	assert.NoError(t, s.Provision(ctx, 0))
}
