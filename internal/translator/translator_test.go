package translator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panther/internal/models"
	"panther/internal/router"
)

func TestSplitModel(t *testing.T) {
	cases := []struct {
		in       string
		provider string
		model    string
		wantErr  bool
	}{
		{in: "work/gpt-4o", provider: "work", model: "gpt-4o"},
		{in: " local/library/llama3:8b ", provider: "local", model: "library/llama3:8b"},
		{in: "gpt-4o", wantErr: true},
		{in: "/gpt-4o", wantErr: true},
		{in: "work/", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			p, m, err := SplitModel(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.provider, p)
			assert.Equal(t, tc.model, m)
		})
	}
}

func TestChatCompletionRequest_ToRequest(t *testing.T) {
	body := `{
		"model": "work/gpt-4o",
		"temperature": 0.2,
		"max_tokens": 128,
		"stop": "END",
		"metadata": {"conversation_id": "c1", "project_id": "proj"},
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": [{"type": "text", "text": "hi"}]},
			{"role": "assistant", "content": "hello"},
			{"role": "user", "content": "what now?"}
		]
	}`
	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	turn, err := req.ToRequest()
	require.NoError(t, err)
	assert.Equal(t, "work", turn.ProviderID)
	assert.Equal(t, "gpt-4o", turn.Model)
	assert.Equal(t, "be terse", turn.Persona)
	assert.Equal(t, "what now?", turn.UserMessage)
	assert.Equal(t, "c1", turn.ConversationID)
	assert.Equal(t, "proj", turn.ProjectID)
	require.Len(t, turn.History, 2)
	assert.Equal(t, models.AuthorUser, turn.History[0].AuthorType)
	assert.Equal(t, "hello", turn.History[1].Text)
	require.NotNil(t, turn.Params.MaxTokens)
	assert.Equal(t, 128, *turn.Params.MaxTokens)
	assert.Equal(t, []string{"END"}, turn.Params.ExtraProviderHints["stop"])
}

func TestChatCompletionRequest_Rejects(t *testing.T) {
	cases := map[string]string{
		"tool role":     `{"model":"a/b","messages":[{"role":"tool","content":"x"}]}`,
		"empty content": `{"model":"a/b","messages":[{"role":"user","content":"  "}]}`,
		"image segment": `{"model":"a/b","messages":[{"role":"user","content":[{"type":"image_url"}]}]}`,
		"no messages":   `{"model":"a/b","messages":[]}`,
		"blank stop":    `{"model":"a/b","stop":"","messages":[{"role":"user","content":"x"}]}`,
		"missing model": `{"messages":[{"role":"user","content":"x"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var req ChatCompletionRequest
			require.Error(t, json.Unmarshal([]byte(body), &req))
		})
	}

	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"a/b","messages":[{"role":"user","content":"x"},{"role":"assistant","content":"y"}]}`), &req))
	_, err := req.ToRequest()
	require.ErrorIs(t, err, errLastNotUser)

	require.NoError(t, json.Unmarshal([]byte(`{"model":"bare","messages":[{"role":"user","content":"x"}]}`), &req))
	_, err = req.ToRequest()
	require.ErrorIs(t, err, errModelFormat)
}

func routed() *router.Result {
	return &router.Result{
		Response: &models.NormalizedResponse{
			Text:         "hello back",
			FinishReason: models.FinishLength,
			Usage:        &models.Usage{PromptTokens: 3, CompletionTokens: 2},
		},
		Stage:     router.StageFallback,
		Provider:  models.ProviderAccount{ID: "local"},
		Model:     "llama3",
		RequestID: "r1",
	}
}

func TestFromResultChat(t *testing.T) {
	resp := FromResultChat(routed(), 42)
	assert.Equal(t, "chatcmpl-r1", resp.ID)
	assert.Equal(t, "local/llama3", resp.Model)
	assert.Equal(t, int64(42), resp.Created)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello back", resp.Choices[0].Message.Content)
	assert.Equal(t, "length", *resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 5, resp.Usage.TotalTokens)

	res := routed()
	res.Response.Usage = nil
	assert.Nil(t, FromResultChat(res, 0).Usage)
}

func TestChatChunk(t *testing.T) {
	data, err := json.Marshal(ChatChunk("id", "m", 1, "par", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"id","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"par"},"finish_reason":null}]}`, string(data))

	final := ChatChunk("id", "m", 1, "", "stop")
	assert.Equal(t, "stop", *final.Choices[0].FinishReason)
}

func TestClaudeMessageRequest_ToRequest(t *testing.T) {
	body := `{
		"model": "work/claude-3-5-sonnet",
		"max_tokens": 64,
		"system": [{"type": "text", "text": "global"}, {"type": "text", "text": "persona"}],
		"stop_sequences": ["\n\nHuman:"],
		"messages": [{"role": "user", "content": [{"type": "text", "text": "hi"}]}]
	}`
	var req ClaudeMessageRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	turn, err := req.ToRequest()
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-sonnet", turn.Model)
	assert.Equal(t, "global\n\npersona", turn.Persona)
	assert.Equal(t, "hi", turn.UserMessage)
	assert.Empty(t, turn.History)
	assert.NotNil(t, turn.History, "wire history replaces stored history")
}

func TestClaudeMessageRequest_Rejects(t *testing.T) {
	cases := map[string]string{
		"system role":  `{"model":"a/b","messages":[{"role":"system","content":"x"}]}`,
		"image block":  `{"model":"a/b","messages":[{"role":"user","content":[{"type":"image"}]}]}`,
		"bad system":   `{"model":"a/b","system":42,"messages":[{"role":"user","content":"x"}]}`,
		"string stops": `{"model":"a/b","stop_sequences":"x","messages":[{"role":"user","content":"x"}]}`,
		"no messages":  `{"model":"a/b"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var req ClaudeMessageRequest
			require.Error(t, json.Unmarshal([]byte(body), &req))
		})
	}
}

func TestFromResultClaude(t *testing.T) {
	resp := FromResultClaude(routed())
	assert.Equal(t, "msg_r1", resp.ID)
	assert.Equal(t, "max_tokens", resp.StopReason)
	assert.Equal(t, ClaudeUsage{InputTokens: 3, OutputTokens: 2}, resp.Usage)
	assert.Equal(t, []ClaudeTextBlock{{Type: "text", Text: "hello back"}}, resp.Content)
}

func TestClaudeStreamEvents(t *testing.T) {
	var names []string
	for _, e := range ClaudeStreamStart("msg_1", "a/b") {
		names = append(names, e.Name)
	}
	names = append(names, ClaudeStreamDelta("x").Name)
	for _, e := range ClaudeStreamEnd(nil) {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, names)
}
