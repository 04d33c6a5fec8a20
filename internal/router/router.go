// Package router resolves a turn's provider chain and runs it: primary
// call, optional escalation to the other stage, usage recording.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"panther/internal/cache"
	"panther/internal/models"
	"panther/internal/privacy"
	"panther/internal/prompt"
	"panther/internal/provider"
	"panther/internal/usage"
)

// Stage names the step of the chain that produced a response.
type Stage string

const (
	StagePrimary           Stage = "primary"
	StageFallback          Stage = "fallback"
	StageFallbackAsPrimary Stage = "fallback_as_primary"
	StagePrimaryEscalation Stage = "primary_escalation"
	StageCache             Stage = "cache"
)

// MaxCalls is the most adapter calls one turn can make.
const MaxCalls = 2

const safetyBlock = "Some values in this conversation were replaced by bracketed placeholders. " +
	"Keep every placeholder exactly as written and never guess what it stands for."

// Turn is one routing request.
type Turn struct {
	ConversationID string
	RequestID      string
	ProviderID     string
	Model          string
	Packet         models.PromptPacket
	Settings       ConversationSettings
	// OnChunk, when set, receives the reply text as it streams.
	OnChunk func(string) error
}

// Result describes the response a turn produced.
type Result struct {
	Response   *models.NormalizedResponse
	Stage      Stage
	// Outcome is OutcomeOK or OutcomeError; Classified keeps the degraded
	// classification of an accepted reply.
	Outcome    Outcome
	Classified Outcome
	Provider   models.ProviderAccount
	Model      string
	Calls      int
	RequestID  string
	Redactions int
}

// ChainResolver builds the routing plan of a turn.
type ChainResolver interface {
	Resolve(ctx context.Context, settings ConversationSettings, providerID string) (ResolvedChain, error)
}

// AdapterSource looks adapters up by provider type.
type AdapterSource interface {
	Get(t models.ProviderType) (provider.Adapter, error)
}

// UsageRecorder persists token usage.
type UsageRecorder interface {
	Record(ctx context.Context, e usage.Entry) bool
}

// RedactionMapStore keeps a turn's placeholder map at rest.
type RedactionMapStore interface {
	SaveRedactionMap(ctx context.Context, conversationID, turnID string, m map[string]string) error
}

// Executor runs turns. It holds no locks across adapter calls and is safe
// for concurrent use by turns of different conversations.
type Executor struct {
	resolver ChainResolver
	adapters AdapterSource
	recorder UsageRecorder
	cache    cache.Cache
	maps     RedactionMapStore
	metrics  *Metrics
	logger   *slog.Logger
}

// Option customises an Executor.
type Option func(*Executor)

// WithCache enables the response cache.
func WithCache(c cache.Cache) Option { return func(e *Executor) { e.cache = c } }

// WithRedactionMaps stores every non-empty redaction map.
func WithRedactionMaps(s RedactionMapStore) Option { return func(e *Executor) { e.maps = s } }

// WithMetrics reports to m.
func WithMetrics(m *Metrics) Option { return func(e *Executor) { e.metrics = m } }

// WithLogger sets the logger. Only pipeline-safe keys are ever logged.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

// New constructs an executor.
func New(resolver ChainResolver, adapters AdapterSource, recorder UsageRecorder, opts ...Option) *Executor {
	e := &Executor{resolver: resolver, adapters: adapters, recorder: recorder}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

type stagePlan struct {
	stage   Stage
	account models.ProviderAccount
	model   string
}

// Execute runs one turn.
func (e *Executor) Execute(ctx context.Context, t Turn) (*Result, error) {
	started := time.Now()
	if t.RequestID == "" {
		t.RequestID = uuid.NewString()
	}
	res := &Result{RequestID: t.RequestID}

	if err := ctx.Err(); err != nil {
		return res, provider.NewError(provider.KindCancelled, "", err)
	}

	chain, err := e.resolver.Resolve(ctx, t.Settings, t.ProviderID)
	if err != nil {
		return res, err
	}
	// validated after preprocessing, which can empty the user message
	packet := prompt.Preprocess(t.Packet, chain.Preprocess)
	if err := packet.Validate(); err != nil {
		return res, provider.NewError(provider.KindConfig, chain.Primary.ProviderType, err)
	}
	packet, sess, err := e.protect(packet, chain.Privacy, t.Settings.CustomIdentifiers)
	if err != nil {
		return res, err
	}
	if sess != nil {
		res.Redactions = sess.Count()
		e.metrics.observeRedactions(res.Redactions)
		e.saveRedactionMap(ctx, t, sess.Map())
	}
	packet.Pseudonym = privacy.Ephemeral()

	plans, err := stages(chain, t.Model)
	if err != nil {
		return res, err
	}

	var (
		resp    *models.NormalizedResponse
		callErr error
		outcome Outcome
	)
	for i, plan := range plans {
		if err := ctx.Err(); err != nil {
			return res, provider.NewError(provider.KindCancelled, plan.account.ProviderType, err)
		}
		last := i == len(plans)-1

		outbound, err := e.shape(packet, plan, chain, t.Settings)
		if err != nil {
			return res, err
		}
		key, err := cache.Key(plan.account.ID, plan.model, outbound)
		if err != nil {
			return res, provider.NewError(provider.KindInternal, plan.account.ProviderType, err)
		}

		if i == 0 {
			if hit := e.cached(ctx, key); hit != nil {
				res.Stage, res.Outcome, res.Classified = StageCache, OutcomeOK, OutcomeOK
				res.Provider, res.Model = plan.account, plan.model
				res.Response = e.finish(hit, sess, chain.Privacy)
				if t.OnChunk != nil {
					if err := t.OnChunk(res.Response.Text); err != nil {
						return res, provider.NewError(provider.KindCancelled, plan.account.ProviderType, err)
					}
				}
				e.metrics.observeTurn(StageCache, OutcomeOK)
				e.logTurn(t, res, started)
				return res, nil
			}
		}

		// a stage that may still escalate is buffered, so a rejected
		// reply never reaches the caller
		buffered := t.OnChunk != nil && (!last && anyTrigger(chain.Triggers) || chain.Privacy.RestoreResponse)
		var onChunk func(string) error
		if t.OnChunk != nil && !buffered {
			onChunk = t.OnChunk
		}

		res.Calls++
		resp, callErr = e.call(ctx, plan, outbound, chain.Timeout, t.OnChunk != nil, onChunk, t)
		outcome = Classify(resp, callErr)
		res.Stage, res.Classified = plan.stage, outcome
		res.Provider, res.Model = plan.account, plan.model

		if callErr == nil {
			e.record(ctx, t, plan, key, resp)
		}

		trigger := escalationTrigger(outcome, callErr, chain.Triggers)
		if trigger != "" && !last {
			e.metrics.observeEscalation(trigger)
			e.logger.Info("escalating",
				"event_type", "escalation",
				"request_id", t.RequestID,
				"conversation_id", t.ConversationID,
				"error_type", trigger)
			continue
		}

		if callErr == nil && outcome == OutcomeOK {
			e.store(ctx, key, resp)
		}
		if callErr == nil && buffered {
			if err := t.OnChunk(e.restoreText(resp.Text, sess, chain.Privacy)); err != nil {
				return res, provider.NewError(provider.KindCancelled, plan.account.ProviderType, err)
			}
		}
		break
	}

	e.metrics.observeTurn(res.Stage, res.Classified)
	if callErr != nil {
		res.Outcome = OutcomeError
		e.logTurn(t, res, started)
		return res, fmt.Errorf("%s stage: %w", res.Stage, callErr)
	}
	res.Outcome = OutcomeOK
	res.Response = e.finish(resp, sess, chain.Privacy)
	e.logTurn(t, res, started)
	return res, nil
}

func anyTrigger(t Triggers) bool {
	return t.OnTimeout || t.OnEmptyShort || t.OnRefusalGeneric
}

// stages orders the chain's calls.
func stages(chain ResolvedChain, model string) ([]stagePlan, error) {
	primary := stagePlan{stage: StagePrimary, account: chain.Primary, model: model}
	if chain.Fallback == nil {
		if primary.model == "" {
			return nil, provider.Errorf(provider.KindConfig, chain.Primary.ProviderType, "no model selected for account %q", chain.Primary.ID)
		}
		return []stagePlan{primary}, nil
	}

	fallback := stagePlan{stage: StageFallback, account: chain.Fallback.Account, model: chain.Fallback.Model}
	if fallback.model == "" {
		fallback.model = model
	}

	plans := []stagePlan{primary, fallback}
	if chain.LocalFirst {
		fallback.stage = StageFallbackAsPrimary
		primary.stage = StagePrimaryEscalation
		if chain.CloudModelOverride != "" {
			primary.model = chain.CloudModelOverride
		}
		plans = []stagePlan{fallback, primary}
	}
	for _, p := range plans {
		if p.model == "" {
			return nil, provider.Errorf(provider.KindConfig, p.account.ProviderType, "no model selected for account %q", p.account.ID)
		}
	}
	return plans, nil
}

// shape produces the packet sent to one stage: transform for the stage's
// provider, the safety block for remote stages, then the privacy guard.
func (e *Executor) shape(p models.PromptPacket, plan stagePlan, chain ResolvedChain, settings ConversationSettings) (models.PromptPacket, error) {
	cfg := settings.Transform
	cfg.TargetProvider = plan.account.ProviderType
	cfg.Identifiers = settings.CustomIdentifiers

	out, err := prompt.Transform(p, cfg)
	if err != nil {
		return p, provider.NewError(provider.KindConfig, plan.account.ProviderType, err)
	}
	if chain.RequireSafetyBlock && !plan.account.ProviderType.IsLocal() {
		out.GlobalInstructions = joinInstructions(safetyBlock, out.GlobalInstructions)
	}
	if err := guard(out, chain.Privacy, settings.CustomIdentifiers); err != nil {
		return p, provider.NewError(provider.KindInternal, plan.account.ProviderType, err)
	}
	return out, nil
}

func joinInstructions(a, b string) string {
	if b == "" {
		return a
	}
	return a + "\n\n" + b
}

// call invokes the adapter under the per-call timeout. The call is
// abandoned at the deadline even if the adapter ignores its context.
func (e *Executor) call(ctx context.Context, plan stagePlan, p models.PromptPacket, timeout time.Duration, stream bool, onChunk func(string) error, t Turn) (*models.NormalizedResponse, error) {
	pt := plan.account.ProviderType
	adapter, err := e.adapters.Get(pt)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// chunks are delivered under mu so none lands after the call is abandoned
	var (
		mu        sync.Mutex
		abandoned bool
	)
	guarded := func(chunk string) error {
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			return context.Canceled
		}
		if onChunk == nil {
			return nil
		}
		return onChunk(chunk)
	}

	type callResult struct {
		resp *models.NormalizedResponse
		err  error
	}
	done := make(chan callResult, 1)
	started := time.Now()
	go func() {
		var o callResult
		if stream {
			o.resp, o.err = adapter.Stream(callCtx, p, plan.account, plan.model, guarded)
			if provider.KindOf(o.err) == provider.KindUnsupported {
				o.resp, o.err = adapter.Complete(callCtx, p, plan.account, plan.model)
				if o.err == nil && o.resp != nil {
					o.err = guarded(o.resp.Text)
				}
			}
		} else {
			o.resp, o.err = adapter.Complete(callCtx, p, plan.account, plan.model)
		}
		done <- o
	}()

	var o callResult
	select {
	case o = <-done:
	case <-callCtx.Done():
		select {
		case o = <-done:
		default:
			mu.Lock()
			abandoned = true
			mu.Unlock()
			o.err = provider.TransportError(callCtx, pt, callCtx.Err())
		}
	}
	elapsed := time.Since(started)

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		// a reply that raced the caller's cancellation is discarded
		if o.err == nil {
			o.err = ctx.Err()
		}
		o.err = provider.NewError(provider.KindCancelled, pt, o.err)
		o.resp = nil
	case o.err != nil:
		if provider.KindOf(o.err) == provider.KindInternal && !isTyped(o.err) {
			o.err = provider.NewError(provider.KindInternal, pt, o.err)
		}
		o.resp = nil
	case o.resp == nil:
		o.err = provider.Errorf(provider.KindInternal, pt, "adapter returned neither response nor error")
	}

	e.metrics.observeCall(pt, o.err, elapsed)
	attrs := []any{
		"event_type", "adapter_call",
		"request_id", t.RequestID,
		"conversation_id", t.ConversationID,
		"latency_ms", elapsed.Milliseconds(),
	}
	if o.err != nil {
		var pe *provider.Error
		if errors.As(o.err, &pe) && pe.Status != 0 {
			attrs = append(attrs, "status_code", pe.Status)
		}
		attrs = append(attrs, "error_type", string(provider.KindOf(o.err)))
		e.logger.Warn("adapter call failed", attrs...)
	} else {
		attrs = append(attrs, "token_count", o.resp.Usage.Total())
		e.logger.Debug("adapter call finished", attrs...)
	}
	return o.resp, o.err
}

func isTyped(err error) bool {
	var pe *provider.Error
	return errors.As(err, &pe)
}

func (e *Executor) record(ctx context.Context, t Turn, plan stagePlan, contextHash string, resp *models.NormalizedResponse) {
	if e.recorder == nil || resp.Usage.IsZero() {
		return
	}
	e.recorder.Record(ctx, usage.Entry{
		ProviderID:  plan.account.ID,
		Model:       plan.model,
		Usage:       resp.Usage,
		SourceTag:   string(plan.stage),
		ContextHash: contextHash,
		Metadata: map[string]string{
			"request_id":      t.RequestID,
			"conversation_id": t.ConversationID,
			"provider_type":   string(plan.account.ProviderType),
		},
	})
}

func (e *Executor) cached(ctx context.Context, key string) *models.NormalizedResponse {
	if e.cache == nil {
		return nil
	}
	resp, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("cache lookup failed", "event_type", "cache_error", "error_type", privacy.SanitizeError(err))
		return nil
	}
	if !ok {
		return nil
	}
	return resp
}

func (e *Executor) store(ctx context.Context, key string, resp *models.NormalizedResponse) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, key, resp); err != nil {
		e.logger.Warn("cache store failed", "event_type", "cache_error", "error_type", privacy.SanitizeError(err))
	}
}

func (e *Executor) saveRedactionMap(ctx context.Context, t Turn, m map[string]string) {
	if e.maps == nil || t.ConversationID == "" || len(m) == 0 {
		return
	}
	if err := e.maps.SaveRedactionMap(ctx, t.ConversationID, t.RequestID, m); err != nil {
		e.logger.Warn("redaction map not stored",
			"event_type", "redaction_map_error",
			"request_id", t.RequestID,
			"conversation_id", t.ConversationID,
			"error_type", privacy.SanitizeError(err))
	}
}

// finish copies the response for the caller, restoring placeholders when
// the chain asks for it.
func (e *Executor) finish(resp *models.NormalizedResponse, sess *privacy.Session, mode PrivacyMode) *models.NormalizedResponse {
	out := *resp
	out.Text = e.restoreText(resp.Text, sess, mode)
	return &out
}

func (e *Executor) restoreText(text string, sess *privacy.Session, mode PrivacyMode) string {
	if sess == nil || !mode.RestoreResponse {
		return text
	}
	return privacy.Restore(text, sess.Map())
}

func (e *Executor) logTurn(t Turn, res *Result, started time.Time) {
	attrs := []any{
		"event_type", "turn_" + string(res.Stage),
		"request_id", t.RequestID,
		"conversation_id", t.ConversationID,
		"latency_ms", time.Since(started).Milliseconds(),
		"redaction_count", res.Redactions,
	}
	if res.Response != nil {
		attrs = append(attrs, "token_count", res.Response.Usage.Total())
	}
	e.logger.Info("turn finished", attrs...)
}
