package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panther/internal/models"
	"panther/internal/provider"
	"panther/internal/vault"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	v := vault.NewMemory()
	require.NoError(t, v.Put(context.Background(), "anthropic", "main", "ak-test"))
	a, err := New(http.DefaultClient, v)
	require.NoError(t, err)
	return a
}

func account(url string) models.ProviderAccount {
	return models.ProviderAccount{ID: "claude", ProviderType: models.ProviderAnthropic, BaseURL: url, AuthRef: "anthropic/main"}
}

func TestComplete(t *testing.T) {
	var captured messagePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"Hi "},{"type":"text","text":"there"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":4}}`)
	}))
	defer srv.Close()

	temp := 1.6
	packet := models.PromptPacket{
		GlobalInstructions:  "global",
		PersonaInstructions: "persona",
		UserMessage:         "question",
		Context: []models.Message{
			models.NewMessage(models.AuthorAssistant, "stale answer"),
			models.NewMessage(models.AuthorUser, "follow-up"),
			models.NewMessage(models.AuthorAssistant, "answer"),
		},
		Params:    models.Params{Temperature: &temp},
		Pseudonym: "eph_x",
	}

	resp, err := newTestAdapter(t).Complete(context.Background(), packet, account(srv.URL), "claude-test")
	require.NoError(t, err)

	assert.Equal(t, "Hi there", resp.Text)
	assert.Equal(t, models.FinishStop, resp.FinishReason)
	assert.Equal(t, "msg_1", resp.RequestID)
	assert.Equal(t, &models.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}, resp.Usage)

	assert.Equal(t, "global\n\npersona", captured.System)
	assert.Equal(t, defaultMaxTokens, captured.MaxTokens)
	require.NotNil(t, captured.Temperature)
	assert.Equal(t, 1.0, *captured.Temperature)
	require.NotNil(t, captured.Metadata)
	assert.Equal(t, "eph_x", captured.Metadata.UserID)

	require.Len(t, captured.Messages, 5)
	assert.Equal(t, "user", captured.Messages[0].Role)
	assert.Equal(t, omittedTurn, captured.Messages[0].Content[0].Text)
	for i := 1; i < len(captured.Messages); i++ {
		assert.NotEqual(t, captured.Messages[i-1].Role, captured.Messages[i].Role)
	}
	assert.Equal(t, "question", captured.Messages[4].Content[0].Text)
}

func TestComplete_MaxTokensAndRefusal(t *testing.T) {
	var captured messagePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"id":"msg_2","content":[],"stop_reason":"refusal","usage":{"input_tokens":0,"output_tokens":0}}`)
	}))
	defer srv.Close()

	n := 64
	resp, err := newTestAdapter(t).Complete(context.Background(), models.PromptPacket{UserMessage: "x", Params: models.Params{MaxTokens: &n}}, account(srv.URL), "m")
	require.NoError(t, err)
	assert.Equal(t, 64, captured.MaxTokens)
	assert.Nil(t, captured.Metadata)
	assert.Equal(t, models.FinishRefusal, resp.FinishReason)
	assert.Empty(t, resp.Text)
	assert.Nil(t, resp.Usage)
}

func TestComplete_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	_, err := newTestAdapter(t).Complete(context.Background(), models.PromptPacket{UserMessage: "x"}, account(srv.URL), "m")
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.KindHTTP, pe.Kind)
	assert.Equal(t, 529, pe.Status)
	assert.Equal(t, "Overloaded", pe.Body)
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_s\",\"usage\":{\"input_tokens\":7,\"output_tokens\":1}}}\n\n")
		fmt.Fprint(w, "event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Str\"}}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"eamed\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"max_tokens\"},\"usage\":{\"output_tokens\":3}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	var chunks []string
	resp, err := newTestAdapter(t).Stream(context.Background(), models.PromptPacket{UserMessage: "x"}, account(srv.URL), "m", func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Str", "eamed"}, chunks)
	assert.Equal(t, "Streamed", resp.Text)
	assert.Equal(t, models.FinishLength, resp.FinishReason)
	assert.Equal(t, "msg_s", resp.RequestID)
	assert.Equal(t, &models.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, resp.Usage)
}

func TestStream_ErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	_, err := newTestAdapter(t).Stream(context.Background(), models.PromptPacket{UserMessage: "x"}, account(srv.URL), "m", nil)
	require.ErrorIs(t, err, provider.ErrHTTP)
}

func TestValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ok, err := newTestAdapter(t).Validate(context.Background(), account(srv.URL))
	require.NoError(t, err)
	assert.False(t, ok)
}
