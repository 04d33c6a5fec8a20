package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panther/internal/config"
	"panther/internal/conversation"
	"panther/internal/models"
	"panther/internal/provider"
	"panther/internal/router"
	"panther/internal/store"
)

type runnerStub struct {
	mu     sync.Mutex
	got    []conversation.Request
	chunks []string
	err    error
}

func (r *runnerStub) Run(_ context.Context, req conversation.Request) (*router.Result, error) {
	r.mu.Lock()
	r.got = append(r.got, req)
	r.mu.Unlock()

	if req.OnChunk != nil {
		for _, c := range r.chunks {
			if err := req.OnChunk(c); err != nil {
				return nil, err
			}
		}
	}
	if r.err != nil {
		return &router.Result{RequestID: req.RequestID, Outcome: router.OutcomeError}, r.err
	}
	return &router.Result{
		Response: &models.NormalizedResponse{
			Text:         strings.Join(r.chunks, ""),
			FinishReason: models.FinishStop,
			Usage:        &models.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		},
		Stage:      router.StagePrimary,
		Outcome:    router.OutcomeOK,
		Classified: router.OutcomeOK,
		Provider:   models.ProviderAccount{ID: req.ProviderID, ProviderType: models.ProviderOllama},
		Model:      req.Model,
		Calls:      1,
		RequestID:  req.RequestID,
	}, nil
}

type usageStub struct{ filter store.UsageFilter }

func (u *usageStub) Totals(_ context.Context, f store.UsageFilter) (store.UsageTotals, error) {
	u.filter = f
	return store.UsageTotals{Records: 2, TotalTokens: 30}, nil
}

func newTestServer(t *testing.T, runner TurnRunner, cfg config.ServerConfig, opts ...Option) *Server {
	t.Helper()
	if cfg.Port == 0 {
		cfg.Port = config.DefaultPort
	}
	srv, err := New(cfg, runner, opts...)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &runnerStub{}, config.ServerConfig{})
	rec := do(t, srv, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRoute(t *testing.T) {
	runner := &runnerStub{chunks: []string{"hello ", "there"}}
	srv := newTestServer(t, runner, config.ServerConfig{})

	rec := do(t, srv, http.MethodPost, "/api/route", `{"conversation_id":"c1","provider_id":"local","model":"llama3","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp RouteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, router.StagePrimary, resp.Stage)
	assert.Equal(t, models.ProviderOllama, resp.ProviderType)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, rec.Header().Get("X-Request-Id"), resp.RequestID)

	require.Len(t, runner.got, 1)
	assert.Equal(t, "c1", runner.got[0].ConversationID)
	assert.Equal(t, "hi", runner.got[0].UserMessage)
	assert.Nil(t, runner.got[0].OnChunk)
}

func TestRoute_Stream(t *testing.T) {
	runner := &runnerStub{chunks: []string{"a", "b"}}
	srv := newTestServer(t, runner, config.ServerConfig{})

	rec := do(t, srv, http.MethodPost, "/api/route", `{"provider_id":"local","model":"m","message":"hi","stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: chunk\ndata: {\"text\":\"a\"}\n\n")
	assert.Contains(t, body, "event: chunk\ndata: {\"text\":\"b\"}\n\n")
	assert.Contains(t, body, "event: done\n")
	assert.True(t, runner.got[0].Params.Stream)
}

func TestRoute_Errors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		body   string
		status int
		code   string
	}{
		{name: "missing provider", body: `{"model":"m","message":"x"}`, status: http.StatusBadRequest},
		{name: "bad json", body: `{`, status: http.StatusBadRequest},
		{name: "trailing data", body: `{"provider_id":"p"} {}`, status: http.StatusBadRequest},
		{name: "config", err: provider.Errorf(provider.KindConfig, "", "no model selected"), status: http.StatusBadRequest, code: "config"},
		{name: "timeout", err: provider.Errorf(provider.KindTimeout, "", "deadline"), status: http.StatusGatewayTimeout, code: "timeout"},
		{name: "http", err: provider.Errorf(provider.KindHTTP, "", "status 500"), status: http.StatusBadGateway, code: "http"},
		{name: "decode hides detail", err: provider.Errorf(provider.KindDecode, "", "secret body a@b.com"), status: http.StatusInternalServerError},
		{name: "empty message", err: models.ErrEmptyUserMessage, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &runnerStub{err: tc.err}, config.ServerConfig{})
			body := tc.body
			if body == "" {
				body = `{"provider_id":"p","model":"m","message":"x"}`
			}
			rec := do(t, srv, http.MethodPost, "/api/route", body)
			assert.Equal(t, tc.status, rec.Code)

			var payload errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
			assert.Equal(t, tc.code, payload.Error.Code)
			assert.NotContains(t, payload.Error.Message, "a@b.com")
		})
	}
}

func TestRoute_StreamFailureAfterStart(t *testing.T) {
	runner := &runnerStub{chunks: []string{"part"}, err: provider.Errorf(provider.KindTransport, "", "reset")}
	srv := newTestServer(t, runner, config.ServerConfig{})

	rec := do(t, srv, http.MethodPost, "/api/route", `{"provider_id":"p","model":"m","message":"x","stream":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: error\ndata: {\"error\":{\"message\":\"upstream provider error\"")
}

func TestChatCompletions(t *testing.T) {
	runner := &runnerStub{chunks: []string{"hi!"}}
	srv := newTestServer(t, runner, config.ServerConfig{})

	rec := do(t, srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"local/llama3","messages":[{"role":"system","content":"terse"},{"role":"user","content":"hello"}],"metadata":{"conversation_id":"c7"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp["object"])
	assert.Equal(t, "local/llama3", resp["model"])
	choice := resp["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "hi!", choice["message"].(map[string]any)["content"])
	assert.Equal(t, "stop", choice["finish_reason"])

	got := runner.got[0]
	assert.Equal(t, "local", got.ProviderID)
	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, "terse", got.Persona)
	assert.Equal(t, "c7", got.ConversationID)
}

func TestChatCompletions_Stream(t *testing.T) {
	srv := newTestServer(t, &runnerStub{chunks: []string{"a", "b"}}, config.ServerConfig{})

	rec := do(t, srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"local/llama3","stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var deltas []string
	var finish string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		var chunk struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		if fr := chunk.Choices[0].FinishReason; fr != nil {
			finish = *fr
			continue
		}
		deltas = append(deltas, chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, []string{"a", "b"}, deltas)
	assert.Equal(t, "stop", finish)
	assert.True(t, strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n"))
}

func TestChatCompletions_BadModel(t *testing.T) {
	runner := &runnerStub{}
	srv := newTestServer(t, runner, config.ServerConfig{})
	rec := do(t, srv, http.MethodPost, "/v1/chat/completions", `{"model":"llama3","messages":[{"role":"user","content":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, runner.got)
}

func TestClaudeMessages(t *testing.T) {
	srv := newTestServer(t, &runnerStub{chunks: []string{"yo"}}, config.ServerConfig{})

	rec := do(t, srv, http.MethodPost, "/v1/messages",
		`{"model":"work/claude","max_tokens":16,"system":"be nice","messages":[{"role":"user","content":"hey"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "message", resp["type"])
	assert.Equal(t, "end_turn", resp["stop_reason"])
	assert.Equal(t, "yo", resp["content"].([]any)[0].(map[string]any)["text"])
}

func TestClaudeMessages_Stream(t *testing.T) {
	srv := newTestServer(t, &runnerStub{chunks: []string{"y", "o"}}, config.ServerConfig{})

	rec := do(t, srv, http.MethodPost, "/v1/messages",
		`{"model":"work/claude","stream":true,"messages":[{"role":"user","content":"hey"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
		}
	}
	assert.Equal(t, []string{
		"message_start", "content_block_start",
		"content_block_delta", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, events)
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, &runnerStub{chunks: []string{"ok"}}, config.ServerConfig{RateLimitPerSecond: 0.001, RateBurst: 1})
	body := `{"provider_id":"p","model":"m","message":"x"}`

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/route", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, srv, http.MethodPost, "/api/route", body).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/health", "").Code)
}

func TestUsage(t *testing.T) {
	u := &usageStub{}
	srv := newTestServer(t, &runnerStub{}, config.ServerConfig{}, WithUsage(u))

	rec := do(t, srv, http.MethodGet, "/api/usage?provider_id=local&since=2026-01-02T03:04:05Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"records":2,"prompt_tokens":0,"completion_tokens":0,"total_tokens":30}`, rec.Body.String())
	assert.Equal(t, "local", u.filter.ProviderID)
	assert.Equal(t, 2026, u.filter.Since.Year())

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/usage?since=yesterday", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, newTestServer(t, &runnerStub{}, config.ServerConfig{}), http.MethodGet, "/api/usage", "").Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := newTestServer(t, &runnerStub{chunks: []string{"ok"}}, config.ServerConfig{}, WithRegistry(reg))

	do(t, srv, http.MethodGet, "/api/health", "")
	rec := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `panther_http_requests_total{route="/api/health",status="200"} 1`)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(config.ServerConfig{Port: 3001}, nil)
	require.Error(t, err)
	_, err = New(config.ServerConfig{Port: 70000}, &runnerStub{})
	require.Error(t, err)
}

func TestListen_WalksToNextPort(t *testing.T) {
	busy, err := net.Listen("tcp", net.JoinHostPort(ListenHost, "0"))
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	ln, got, err := listen(ListenHost, port, PortAttempts)
	require.NoError(t, err)
	defer ln.Close()
	assert.Greater(t, got, port)
	assert.LessOrEqual(t, got, port+PortAttempts-1)
	assert.Equal(t, got, ln.Addr().(*net.TCPAddr).Port)
}

func TestListen_GivesUp(t *testing.T) {
	busy, err := net.Listen("tcp", net.JoinHostPort(ListenHost, "0"))
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	_, _, err = listen(ListenHost, port, 1)
	require.Error(t, err)
}
