package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panther/internal/cache"
	"panther/internal/models"
	"panther/internal/prompt"
	"panther/internal/provider"
	"panther/internal/usage"
)

type stubCall struct {
	packet models.PromptPacket
	model  string
}

type stubAdapter struct {
	typ     models.ProviderType
	respond func(ctx context.Context, p models.PromptPacket) (*models.NormalizedResponse, error)

	mu    sync.Mutex
	calls []stubCall
}

func (s *stubAdapter) Type() models.ProviderType { return s.typ }

func (s *stubAdapter) Validate(context.Context, models.ProviderAccount) (bool, error) {
	return true, nil
}

func (s *stubAdapter) ListModels(context.Context, models.ProviderAccount) ([]string, error) {
	return []string{"m"}, nil
}

func (s *stubAdapter) Complete(ctx context.Context, p models.PromptPacket, _ models.ProviderAccount, model string) (*models.NormalizedResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, stubCall{packet: p, model: model})
	s.mu.Unlock()
	return s.respond(ctx, p)
}

func (s *stubAdapter) Stream(ctx context.Context, p models.PromptPacket, a models.ProviderAccount, model string, onChunk func(string) error) (*models.NormalizedResponse, error) {
	resp, err := s.Complete(ctx, p, a, model)
	if err != nil {
		return nil, err
	}
	half := len(resp.Text) / 2
	for _, chunk := range []string{resp.Text[:half], resp.Text[half:]} {
		if err := onChunk(chunk); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (s *stubAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubAdapter) lastPacket() models.PromptPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1].packet
}

func reply(text string, tokens int) func(context.Context, models.PromptPacket) (*models.NormalizedResponse, error) {
	return func(context.Context, models.PromptPacket) (*models.NormalizedResponse, error) {
		resp := &models.NormalizedResponse{Text: text, FinishReason: models.FinishStop}
		if tokens > 0 {
			resp.Usage = &models.Usage{PromptTokens: tokens, CompletionTokens: tokens, TotalTokens: 2 * tokens}
		}
		return resp, nil
	}
}

func fail(kind provider.Kind) func(context.Context, models.PromptPacket) (*models.NormalizedResponse, error) {
	return func(context.Context, models.PromptPacket) (*models.NormalizedResponse, error) {
		return nil, provider.Errorf(kind, "", "stubbed %s", kind)
	}
}

type fixedChain ResolvedChain

func (c fixedChain) Resolve(context.Context, ConversationSettings, string) (ResolvedChain, error) {
	return ResolvedChain(c), nil
}

type recorderStub struct {
	mu      sync.Mutex
	entries []usage.Entry
}

func (r *recorderStub) Record(_ context.Context, e usage.Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return true
}

type mapStore struct {
	saved map[string]map[string]string
}

func (m *mapStore) SaveRedactionMap(_ context.Context, conversationID, turnID string, rm map[string]string) error {
	if m.saved == nil {
		m.saved = make(map[string]map[string]string)
	}
	m.saved[conversationID+"/"+turnID] = rm
	return nil
}

var (
	cloudAccount = models.ProviderAccount{ID: "cloud", ProviderType: models.ProviderOpenAILike}
	localAccount = models.ProviderAccount{ID: "local", ProviderType: models.ProviderOllama}
)

type harness struct {
	primary  *stubAdapter
	fallback *stubAdapter
	recorder *recorderStub
	exec     *Executor
}

func newHarness(t *testing.T, chain ResolvedChain, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		primary:  &stubAdapter{typ: models.ProviderOpenAILike, respond: reply("primary answer", 5)},
		fallback: &stubAdapter{typ: models.ProviderOllama, respond: reply("fallback answer", 3)},
		recorder: &recorderStub{},
	}
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(h.primary))
	require.NoError(t, reg.Register(h.fallback))

	if chain.Primary.ID == "" {
		chain.Primary = cloudAccount
	}
	if chain.Timeout == 0 {
		chain.Timeout = 2 * time.Second
	}
	h.exec = New(fixedChain(chain), reg, h.recorder, opts...)
	return h
}

func withFallback(c ResolvedChain) ResolvedChain {
	c.Fallback = &Fallback{Account: localAccount, Model: "llama3"}
	return c
}

func turn(msg string) Turn {
	return Turn{
		ConversationID: "conv-1",
		ProviderID:     "cloud",
		Model:          "gpt-4o",
		Packet:         models.PromptPacket{UserMessage: msg},
	}
}

func TestExecute_TimeoutFallsBack(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{Triggers: Triggers{OnTimeout: true}}))
	h.primary.respond = fail(provider.KindTimeout)
	h.fallback.respond = reply("ok-fallback", 4)

	res, err := h.exec.Execute(context.Background(), turn("hello there"))
	require.NoError(t, err)

	assert.Equal(t, "ok-fallback", res.Response.Text)
	assert.Equal(t, StageFallback, res.Stage)
	assert.Equal(t, 2, res.Calls)
	assert.Equal(t, "local", res.Provider.ID)
	assert.Equal(t, "llama3", res.Model)
	require.Len(t, h.recorder.entries, 1)
	assert.Equal(t, "fallback", h.recorder.entries[0].SourceTag)
	assert.Equal(t, "local", h.recorder.entries[0].ProviderID)
}

func TestExecute_RefusalWithoutTrigger(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{Triggers: Triggers{OnTimeout: true}}))
	h.primary.respond = reply("I'm sorry, I can't help with that.", 2)

	res, err := h.exec.Execute(context.Background(), turn("do the thing"))
	require.NoError(t, err)

	assert.Equal(t, "I'm sorry, I can't help with that.", res.Response.Text)
	assert.Equal(t, StagePrimary, res.Stage)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, OutcomeRefusalGeneric, res.Classified)
	assert.Equal(t, 1, res.Calls)
	assert.Zero(t, h.fallback.callCount())
}

func TestExecute_EmptyShortEscalates(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{Triggers: Triggers{OnEmptyShort: true}}))
	h.primary.respond = reply("ok", 1)
	h.fallback.respond = reply("expanded answer", 0)

	res, err := h.exec.Execute(context.Background(), turn("explain"))
	require.NoError(t, err)
	assert.Equal(t, "expanded answer", res.Response.Text)
	assert.Equal(t, StageFallback, res.Stage)

	require.Len(t, h.recorder.entries, 1, "usage of the rejected primary reply is still recorded")
	assert.Equal(t, "primary", h.recorder.entries[0].SourceTag)
}

func TestExecute_LocalFirst(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{LocalFirst: true, Triggers: Triggers{OnTimeout: true}}))

	res, err := h.exec.Execute(context.Background(), turn("hi there"))
	require.NoError(t, err)
	assert.Equal(t, StageFallbackAsPrimary, res.Stage)
	assert.Equal(t, "fallback answer", res.Response.Text)
	assert.Equal(t, 1, h.fallback.callCount())
	assert.Zero(t, h.primary.callCount())
}

func TestExecute_LocalFirstEscalatesWithCloudOverride(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{
		LocalFirst:         true,
		CloudModelOverride: "gpt-big",
		Triggers:           Triggers{OnTimeout: true},
	}))
	h.fallback.respond = fail(provider.KindTransport)

	res, err := h.exec.Execute(context.Background(), turn("hi there"))
	require.NoError(t, err)
	assert.Equal(t, StagePrimaryEscalation, res.Stage)
	assert.Equal(t, "gpt-big", res.Model)
	assert.Equal(t, "gpt-big", h.primary.calls[0].model)
}

func TestExecute_AtMostTwoCalls(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{Triggers: Triggers{OnTimeout: true, OnEmptyShort: true}}))
	h.primary.respond = fail(provider.KindHTTP)
	h.fallback.respond = fail(provider.KindHTTP)

	res, err := h.exec.Execute(context.Background(), turn("hello"))
	require.ErrorIs(t, err, provider.ErrHTTP)
	assert.Equal(t, 2, res.Calls)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, StageFallback, res.Stage)
	assert.Empty(t, h.recorder.entries)
}

func TestExecute_FatalErrorsAreNotRetried(t *testing.T) {
	for _, kind := range []provider.Kind{provider.KindUnsupported, provider.KindDecode, provider.KindConfig} {
		t.Run(string(kind), func(t *testing.T) {
			h := newHarness(t, withFallback(ResolvedChain{Triggers: Triggers{OnTimeout: true}}))
			h.primary.respond = fail(kind)

			res, err := h.exec.Execute(context.Background(), turn("hello"))
			require.Error(t, err)
			assert.Equal(t, kind, provider.KindOf(err))
			assert.Equal(t, 1, res.Calls)
			assert.Zero(t, h.fallback.callCount())
		})
	}
}

func TestExecute_ErrorWithoutTriggerPropagates(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{}))
	h.primary.respond = fail(provider.KindTimeout)

	res, err := h.exec.Execute(context.Background(), turn("hello"))
	require.ErrorIs(t, err, provider.ErrTimeout)
	assert.Equal(t, 1, res.Calls)
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{Triggers: Triggers{OnTimeout: true}}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.exec.Execute(ctx, turn("hello"))
	require.ErrorIs(t, err, provider.ErrCancelled)
	assert.Zero(t, res.Calls)
	assert.Zero(t, h.primary.callCount())
}

func TestExecute_CancelledInFlight(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{Triggers: Triggers{OnTimeout: true}}))
	started := make(chan struct{})
	h.primary.respond = func(ctx context.Context, _ models.PromptPacket) (*models.NormalizedResponse, error) {
		close(started)
		<-ctx.Done()
		return &models.NormalizedResponse{Text: "late but with usage", Usage: &models.Usage{TotalTokens: 9}}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := h.exec.Execute(ctx, turn("hello"))
	require.ErrorIs(t, err, provider.ErrCancelled)
	assert.Equal(t, 1, res.Calls)
	assert.Zero(t, h.fallback.callCount())
	assert.Empty(t, h.recorder.entries)
}

func TestExecute_AbandonsCallAtDeadline(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{Triggers: Triggers{OnTimeout: true}, Timeout: 50 * time.Millisecond}))
	release := make(chan struct{})
	defer close(release)
	h.primary.respond = func(context.Context, models.PromptPacket) (*models.NormalizedResponse, error) {
		<-release
		return &models.NormalizedResponse{Text: "too late"}, nil
	}

	began := time.Now()
	res, err := h.exec.Execute(context.Background(), turn("hello"))
	require.NoError(t, err)
	assert.Less(t, time.Since(began), time.Second)
	assert.Equal(t, StageFallback, res.Stage)
	assert.Equal(t, "fallback answer", res.Response.Text)
}

func TestExecute_PrivacyRedactsOutboundPacket(t *testing.T) {
	maps := &mapStore{}
	h := newHarness(t, ResolvedChain{
		Privacy: PrivacyMode{Enabled: true, ScrubPII: true, ScrubSecrets: true},
	}, WithRedactionMaps(maps))
	h.primary.respond = func(_ context.Context, p models.PromptPacket) (*models.NormalizedResponse, error) {
		return &models.NormalizedResponse{Text: "I will write to " + strings.Fields(p.UserMessage)[3]}, nil
	}

	tr := turn("Email me at a@b.com about Falcon")
	tr.Settings.CustomIdentifiers = []string{"falcon"}
	tr.Packet.GlobalInstructions = "Docs live at https://intranet.corp/wiki"
	tr.Packet.Context = []models.Message{
		models.NewMessage(models.AuthorUser, "my number is 555-123-4567"),
		models.NewMessage(models.AuthorAssistant, "noted"),
	}

	res, err := h.exec.Execute(context.Background(), tr)
	require.NoError(t, err)

	sent := h.primary.lastPacket()
	assert.Equal(t, "Email me at [EMAIL_001] about [IDENTIFIER_001]", sent.UserMessage)
	assert.NotContains(t, sent.GlobalInstructions, "intranet.corp")
	require.Len(t, sent.Context, 1, "context carrying personal data is withheld")
	assert.Equal(t, "noted", sent.Context[0].Text)
	assert.True(t, strings.HasPrefix(sent.Pseudonym, "eph_"))

	assert.Equal(t, "I will write to [EMAIL_001]", res.Response.Text, "placeholders stay unless restore_response is set")
	assert.Equal(t, 3, res.Redactions)

	require.Len(t, maps.saved, 1)
	for _, m := range maps.saved {
		assert.Equal(t, "a@b.com", m["[EMAIL_001]"])
	}
}

func TestExecute_PrivacyScrubsContextAndRestores(t *testing.T) {
	h := newHarness(t, ResolvedChain{
		Privacy: PrivacyMode{Enabled: true, ScrubPII: true, ScrubContext: true, RestoreResponse: true},
	})
	h.primary.respond = reply("Sure, I will call [PHONE_001] and mail [EMAIL_001].", 0)

	tr := turn("mail a@b.com too")
	tr.Packet.Context = []models.Message{
		models.NewMessage(models.AuthorUser, "call 555-123-4567"),
		models.NewMessage(models.AuthorAssistant, "ok"),
	}
	var chunks []string
	tr.OnChunk = func(s string) error {
		chunks = append(chunks, s)
		return nil
	}

	res, err := h.exec.Execute(context.Background(), tr)
	require.NoError(t, err)

	sent := h.primary.lastPacket()
	require.Len(t, sent.Context, 2)
	assert.Equal(t, "call [PHONE_001]", sent.Context[0].Text)
	assert.Equal(t, "mail [EMAIL_001] too", sent.UserMessage)

	want := "Sure, I will call 555-123-4567 and mail a@b.com."
	assert.Equal(t, want, res.Response.Text)
	assert.Equal(t, []string{want}, chunks, "restored replies are delivered whole")
}

func TestGuard(t *testing.T) {
	mode := PrivacyMode{Enabled: true, ScrubPII: true}
	clean := models.PromptPacket{UserMessage: "ask [EMAIL_001] about it"}
	require.NoError(t, guard(clean, mode, nil))

	dirty := models.PromptPacket{UserMessage: "ok", Context: []models.Message{{AuthorType: models.AuthorUser, Text: "x@y.io"}}}
	require.ErrorIs(t, guard(dirty, mode, nil), errResidualContent)

	named := models.PromptPacket{UserMessage: "ping Falcon"}
	require.Error(t, guard(named, mode, []string{"falcon"}))
	require.NoError(t, guard(named, PrivacyMode{Enabled: true, ScrubSecrets: true}, []string{"falcon"}))
	require.NoError(t, guard(dirty, PrivacyMode{}, nil))
}

func TestExecute_SafetyBlockOnlyForRemoteStages(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{RequireSafetyBlock: true, Triggers: Triggers{OnTimeout: true}}))
	h.primary.respond = fail(provider.KindTransport)

	tr := turn("hello")
	tr.Packet.GlobalInstructions = "be brief"
	_, err := h.exec.Execute(context.Background(), tr)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(h.primary.lastPacket().GlobalInstructions, safetyBlock))
	assert.Equal(t, "be brief", h.fallback.lastPacket().GlobalInstructions)
}

func TestExecute_TransformPerStage(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{Triggers: Triggers{OnTimeout: true}}))
	h.primary.respond = fail(provider.KindTimeout)

	tr := turn("hello")
	tr.Packet.GlobalInstructions = "global"
	tr.Packet.PersonaInstructions = "persona"
	tr.Settings.Transform.Enabled = true
	_, err := h.exec.Execute(context.Background(), tr)
	require.NoError(t, err)

	assert.Equal(t, "persona", h.primary.lastPacket().PersonaInstructions)
	assert.Equal(t, "global\n\npersona", h.fallback.lastPacket().GlobalInstructions)
	assert.Empty(t, h.fallback.lastPacket().PersonaInstructions)
}

func TestExecute_StreamingBuffersEscalatableStage(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{Triggers: Triggers{OnEmptyShort: true}}))
	h.primary.respond = reply("ok", 0)
	h.fallback.respond = reply("expanded answer", 0)

	var chunks []string
	tr := turn("explain")
	tr.OnChunk = func(s string) error {
		chunks = append(chunks, s)
		return nil
	}
	res, err := h.exec.Execute(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, "expanded answer", strings.Join(chunks, ""))
	assert.Len(t, chunks, 2, "the last stage streams directly")
	assert.Equal(t, "expanded answer", res.Response.Text)
}

func TestExecute_StreamingReplaysAcceptedBufferedStage(t *testing.T) {
	h := newHarness(t, withFallback(ResolvedChain{Triggers: Triggers{OnEmptyShort: true}}))

	var chunks []string
	tr := turn("explain")
	tr.OnChunk = func(s string) error {
		chunks = append(chunks, s)
		return nil
	}
	_, err := h.exec.Execute(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, []string{"primary answer"}, chunks)
	assert.Zero(t, h.fallback.callCount())
}

func TestExecute_CacheHit(t *testing.T) {
	h := newHarness(t, ResolvedChain{}, WithCache(cache.NewMemory(time.Minute, 10)))

	first, err := h.exec.Execute(context.Background(), turn("what is go"))
	require.NoError(t, err)
	assert.Equal(t, StagePrimary, first.Stage)

	second, err := h.exec.Execute(context.Background(), turn("what is go"))
	require.NoError(t, err)
	assert.Equal(t, StageCache, second.Stage)
	assert.Zero(t, second.Calls)
	assert.Equal(t, "primary answer", second.Response.Text)
	assert.Equal(t, 1, h.primary.callCount())
	assert.Len(t, h.recorder.entries, 1)
}

func TestExecute_DegradedRepliesAreNotCached(t *testing.T) {
	h := newHarness(t, ResolvedChain{}, WithCache(cache.NewMemory(time.Minute, 10)))
	h.primary.respond = reply("ok", 0)

	_, err := h.exec.Execute(context.Background(), turn("again"))
	require.NoError(t, err)
	res, err := h.exec.Execute(context.Background(), turn("again"))
	require.NoError(t, err)
	assert.Equal(t, StagePrimary, res.Stage)
	assert.Equal(t, 2, h.primary.callCount())
}

func TestExecute_RejectsInvalidPacket(t *testing.T) {
	h := newHarness(t, ResolvedChain{})
	_, err := h.exec.Execute(context.Background(), turn("   "))
	require.ErrorIs(t, err, provider.ErrConfig)
	assert.Zero(t, h.primary.callCount())
}

func TestExecute_RejectsMessageEmptiedByPreprocess(t *testing.T) {
	h := newHarness(t, ResolvedChain{Preprocess: prompt.PreprocessOptions{
		Enabled:       true,
		RemoveBOM:     true,
		StripControls: true,
	}})
	_, err := h.exec.Execute(context.Background(), turn("\ufeff\x01"))
	require.ErrorIs(t, err, provider.ErrConfig)
	require.ErrorIs(t, err, models.ErrEmptyUserMessage)
	assert.Zero(t, h.primary.callCount())
}

func TestExecute_MissingModel(t *testing.T) {
	h := newHarness(t, ResolvedChain{})
	tr := turn("hello")
	tr.Model = ""
	_, err := h.exec.Execute(context.Background(), tr)
	require.ErrorIs(t, err, provider.ErrConfig)
}

func TestExecute_UnregisteredAdapter(t *testing.T) {
	h := newHarness(t, ResolvedChain{Primary: models.ProviderAccount{ID: "g", ProviderType: models.ProviderGoogle}})
	res, err := h.exec.Execute(context.Background(), turn("hello"))
	require.ErrorIs(t, err, provider.ErrUnsupported)
	assert.Equal(t, 1, res.Calls)
}

func TestExecute_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := newHarness(t, withFallback(ResolvedChain{Triggers: Triggers{OnTimeout: true}}), WithMetrics(m))
	h.primary.respond = fail(provider.KindTimeout)

	_, err := h.exec.Execute(context.Background(), turn("hello"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EscalationsTotal.WithLabelValues("on_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("openai_like", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("ollama", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("fallback", "ok")))
}
