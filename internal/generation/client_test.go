package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/pixq/internal/clock"
	"github.com/nadmax/pixq/internal/credential"
	"github.com/nadmax/pixq/internal/pool"
	"github.com/nadmax/pixq/internal/repository/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCall struct {
	req    Request
	apiKey string
	ctxErr error
}

type stubProvider struct {
	mu    sync.Mutex
	calls []stubCall
	urls  []string
	err   error
	hook  func(ctx context.Context)
}

func (s *stubProvider) CreateImages(ctx context.Context, req Request, apiKey string) ([]string, error) {
	if s.hook != nil {
		s.hook(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, stubCall{req: req, apiKey: apiKey, ctxErr: ctx.Err()})
	return s.urls, s.err
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.calls)
}

func setupTestClient(t *testing.T, provider Provider) (*Client, *mocks.MockCredentialStatusRepository, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
	repo := mocks.NewMockCredentialStatusRepository()
	repo.Now = clk.Now

	p, err := pool.New(context.Background(), []string{"k1", "k2"}, repo, clk, pool.DefaultConfig())
	require.NoError(t, err)

	return NewClient(p, provider, clk, Config{}), repo, clk
}

func TestGenerate_Success(t *testing.T) {
	provider := &stubProvider{urls: []string{"https://img/1.png", "https://img/2.png"}}
	client, repo, clk := setupTestClient(t, provider)
	upserts := repo.GetUpsertStatusCallCount()

	result := client.Generate(context.Background(), "a lighthouse at dusk", 2)

	require.True(t, result.Success, result.Error())
	assert.Equal(t, "https://img/1.png", result.ImageURL)
	assert.Len(t, result.ImageURLs, 2)
	assert.Equal(t, 0, result.Slot)
	assert.Equal(t, "Key 1", result.KeyLabel)
	assert.Empty(t, result.Error())

	require.Equal(t, 1, provider.callCount())
	call := provider.calls[0]
	assert.Equal(t, "k1", call.apiKey)
	assert.Equal(t, Request{Model: DefaultModel, Prompt: "a lighthouse at dusk", Width: 768, Height: 768, Steps: 4, N: 2}, call.req)

	assert.Equal(t, upserts+1, repo.GetUpsertStatusCallCount(), "exactly one pool mutation")
	s, _ := repo.Status(0)
	require.NotNil(t, s.LastUsed)
	assert.True(t, s.LastUsed.Equal(clk.Now()))
	assert.Zero(t, s.FailureCount)
}

func TestGenerate_UpstreamFailure(t *testing.T) {
	provider := &stubProvider{err: &UpstreamError{StatusCode: 429, Message: "slow down"}}
	client, repo, _ := setupTestClient(t, provider)
	upserts := repo.GetUpsertStatusCallCount()

	result := client.Generate(context.Background(), "prompt", 1)

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, ErrUpstreamRequestFailed)
	var upstreamErr *UpstreamError
	require.True(t, errors.As(result.Err, &upstreamErr))
	assert.Equal(t, 429, upstreamErr.StatusCode)
	assert.Equal(t, 0, result.Slot)

	assert.Equal(t, upserts+1, repo.GetUpsertStatusCallCount())
	s, _ := repo.Status(0)
	assert.Equal(t, 1, s.FailureCount)
}

func TestGenerate_EmptyResponseIsFailure(t *testing.T) {
	provider := &stubProvider{urls: []string{}}
	client, repo, _ := setupTestClient(t, provider)

	result := client.Generate(context.Background(), "prompt", 1)

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, ErrMalformedResponse)
	s, _ := repo.Status(0)
	assert.Equal(t, 1, s.FailureCount)
	assert.NotNil(t, s.LastUsed)
}

func TestGenerate_NoCredentialSkipsUpstream(t *testing.T) {
	provider := &stubProvider{urls: []string{"u"}}
	client, repo, clk := setupTestClient(t, provider)

	until := clk.Now().Add(time.Minute)
	for slot := range 2 {
		repo.Set(credential.Status{Slot: slot, IsActive: false, FailureCount: 3, CooldownUntil: &until})
	}
	upserts := repo.GetUpsertStatusCallCount()

	result := client.Generate(context.Background(), "prompt", 1)

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, pool.ErrNoCredentialAvailable)
	assert.Equal(t, -1, result.Slot)
	assert.Zero(t, provider.callCount())
	assert.Equal(t, upserts, repo.GetUpsertStatusCallCount())
}

func TestGenerate_CancelledCallerDoesNotAbortCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &stubProvider{
		urls: []string{"https://img/1.png"},
		hook: func(context.Context) { cancel() },
	}
	client, repo, _ := setupTestClient(t, provider)

	result := client.Generate(ctx, "prompt", 1)

	require.True(t, result.Success)
	assert.NoError(t, provider.calls[0].ctxErr)
	s, _ := repo.Status(0)
	assert.NotNil(t, s.LastUsed, "health is recorded even after the caller gave up")
}

func TestGenerate_RotatesCredentials(t *testing.T) {
	provider := &stubProvider{urls: []string{"u"}}
	client, _, _ := setupTestClient(t, provider)

	for range 3 {
		client.Generate(context.Background(), "p", 1)
	}

	keys := []string{provider.calls[0].apiKey, provider.calls[1].apiKey, provider.calls[2].apiKey}
	assert.Equal(t, []string{"k1", "k2", "k1"}, keys)
}

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient(nil, nil, nil, Config{Steps: 8})

	cfg := client.Config()
	assert.Equal(t, DefaultModel, cfg.Model)
	assert.Equal(t, 768, cfg.Width)
	assert.Equal(t, 768, cfg.Height)
	assert.Equal(t, 8, cfg.Steps)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
}
