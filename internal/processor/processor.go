// Package processor runs the NPC dialogue pipeline.
//
// [Framework.Process] selects a backend tier, fetches conversation history
// and knowledge concurrently, assembles a budgeted prompt, calls the tier's
// adapter, parses the completion and writes the turn back to history. Every
// backend failure becomes a fallback [Result]; Process only returns an error
// for invalid requests.
//
// The Framework holds no per-request state and is safe for concurrent use.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/kotoba/internal/backend"
	"github.com/MrWong99/kotoba/internal/history"
	"github.com/MrWong99/kotoba/internal/knowledge"
	"github.com/MrWong99/kotoba/internal/observe"
	"github.com/MrWong99/kotoba/internal/parse"
	"github.com/MrWong99/kotoba/internal/prompt"
)

// Defaults for [Config].
const (
	DefaultBackendTimeout  = 30 * time.Second
	DefaultMaxHistoryTurns = 10
	DefaultMaxKnowledge    = 3
)

// HistoryStore is the subset of [history.Store] the pipeline uses.
type HistoryStore interface {
	GetHistory(ctx context.Context, playerID, conversationID string, maxTurns int) ([]history.Turn, error)
	Append(ctx context.Context, playerID, conversationID string, turn history.Turn) error
}

// KnowledgeSearcher is the subset of [knowledge.Store] the pipeline uses.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, filters knowledge.Filters, maxResults int) ([]knowledge.Snippet, error)
}

// PersonaResolver renders NPC personas.
type PersonaResolver interface {
	Persona(npcID string) string
}

// Closer is implemented by components that hold resources.
type Closer interface {
	Close() error
}

// Config tunes the pipeline. Zero fields take defaults.
type Config struct {
	DefaultTier     backend.Tier
	BackendTimeout  time.Duration
	MaxHistoryTurns int
	MaxPromptTokens int
	MaxKnowledge    int
}

func (c Config) withDefaults() Config {
	if _, ok := backend.ParseTier(string(c.DefaultTier)); !ok {
		c.DefaultTier = backend.TierLocal
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = DefaultBackendTimeout
	}
	if c.MaxHistoryTurns <= 0 {
		c.MaxHistoryTurns = DefaultMaxHistoryTurns
	}
	if c.MaxPromptTokens <= 0 {
		c.MaxPromptTokens = prompt.DefaultBudget
	}
	if c.MaxKnowledge <= 0 {
		c.MaxKnowledge = DefaultMaxKnowledge
	}
	return c
}

type tierBackend struct {
	adapter backend.Adapter
	parser  parse.Bound
}

// Framework is the dialogue pipeline.
type Framework struct {
	cfg       Config
	backends  map[backend.Tier]tierBackend
	order     []backend.Adapter
	history   HistoryStore
	knowledge KnowledgeSearcher
	personas  PersonaResolver
	assembler *prompt.Assembler
	parser    *parse.Parser
	metrics   *observe.Metrics
	now       func() time.Time

	pending sync.WaitGroup
}

// Option configures a [Framework].
type Option func(*Framework)

// WithHistory sets the conversation history store. Without one, requests
// carry no history and nothing is written back.
func WithHistory(h HistoryStore) Option {
	return func(f *Framework) { f.history = h }
}

// WithKnowledge sets the knowledge searcher.
func WithKnowledge(k KnowledgeSearcher) Option {
	return func(f *Framework) { f.knowledge = k }
}

// WithPersonas sets the persona resolver.
func WithPersonas(p PersonaResolver) Option {
	return func(f *Framework) { f.personas = p }
}

// WithAssembler replaces the default prompt assembler.
func WithAssembler(a *prompt.Assembler) Option {
	return func(f *Framework) { f.assembler = a }
}

// WithParser replaces the default response parser.
func WithParser(p *parse.Parser) Option {
	return func(f *Framework) { f.parser = p }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Framework) { f.metrics = m }
}

// New builds a Framework serving adapters, at most one per tier. Each
// adapter's parsing strategy is resolved here, once.
func New(cfg Config, adapters []backend.Adapter, opts ...Option) (*Framework, error) {
	f := &Framework{
		cfg:      cfg.withDefaults(),
		backends: make(map[backend.Tier]tierBackend, len(adapters)),
		now:      time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	if f.assembler == nil {
		f.assembler = prompt.NewAssembler()
	}
	if f.parser == nil {
		f.parser = parse.New(nil)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}

	for _, a := range adapters {
		if a == nil {
			continue
		}
		if _, dup := f.backends[a.Tier()]; dup {
			return nil, fmt.Errorf("processor: more than one adapter for tier %q", a.Tier())
		}
		f.backends[a.Tier()] = tierBackend{adapter: a, parser: f.parser.Bind(a.BackendID())}
		f.order = append(f.order, a)
	}
	if len(f.backends) == 0 {
		return nil, errors.New("processor: at least one backend adapter is required")
	}
	return f, nil
}

// Tiers reports which tiers have an adapter.
func (f *Framework) Tiers() []backend.Tier {
	out := make([]backend.Tier, 0, len(f.order))
	for _, a := range f.order {
		out = append(out, a.Tier())
	}
	return out
}

// Process answers req.
func (f *Framework) Process(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := f.now()
	f.metrics.ActiveRequests.Add(ctx, 1)
	defer f.metrics.ActiveRequests.Add(ctx, -1)

	requested, tier := f.resolveTier(req.Tier)
	ctx, span := observe.StartSpan(ctx, "processor.Process")
	defer span.End()
	log := observe.Logger(ctx).With("player_id", req.PlayerID, "npc_id", req.NPCID, "tier", string(tier))
	if requested != tier {
		log.Info("processor: requested tier has no adapter, rerouting", "requested_tier", string(requested))
	}

	turns, snippets := f.fetchContext(ctx, req)

	persona := ""
	if f.personas != nil {
		persona = f.personas.Persona(req.NPCID)
	}
	p := f.assembler.Assemble(prompt.Context{
		Persona:     persona,
		History:     turns,
		Knowledge:   snippets,
		Utterance:   req.Utterance,
		GameContext: req.gameContext(),
	}, f.cfg.MaxPromptTokens)

	res := &Result{Tier: tier}
	genErr := f.generate(ctx, f.backends[tier], p.Text, res)
	if genErr != nil {
		log.Warn("processor: generation failed, using fallback", "reason", res.Metadata["fallback_reason"], "err", genErr)
	}
	if requested != tier {
		res.Metadata["requested_tier"] = string(requested)
	}

	if req.ConversationID != "" && f.history != nil {
		if err := ctx.Err(); err != nil {
			log.Debug("processor: request cancelled, turn not recorded", "err", err)
		} else {
			f.appendTurn(ctx, req, res)
		}
	}

	if req.Debug {
		res.Debug = debugInfo(p, genErr)
	}

	outcome := "ok"
	if res.Fallback {
		outcome = "fallback"
	}
	f.metrics.RecordRequest(ctx, string(tier), outcome, f.now().Sub(start))
	return res, nil
}

// resolveTier returns the tier asked for and the tier that serves it. Empty
// or unknown values ask for the default tier. A tier without an adapter is
// served by the default tier, or by the first adapter when the default has
// none either.
func (f *Framework) resolveTier(t backend.Tier) (requested, serving backend.Tier) {
	requested, ok := backend.ParseTier(string(t))
	if !ok {
		requested = f.cfg.DefaultTier
	}
	switch {
	case f.has(requested):
		return requested, requested
	case f.has(f.cfg.DefaultTier):
		return requested, f.cfg.DefaultTier
	}
	return requested, f.order[0].Tier()
}

func (f *Framework) has(t backend.Tier) bool {
	_, ok := f.backends[t]
	return ok
}

// fetchContext loads history and knowledge concurrently. Either source
// degrades to empty on failure.
func (f *Framework) fetchContext(ctx context.Context, req Request) ([]history.Turn, []knowledge.Snippet) {
	var (
		turns    []history.Turn
		snippets []knowledge.Snippet
	)
	// Neither fetch returns an error, so one failure never cancels the other.
	var g errgroup.Group

	if req.ConversationID != "" && f.history != nil {
		g.Go(func() error {
			t, err := f.history.GetHistory(ctx, req.PlayerID, req.ConversationID, f.cfg.MaxHistoryTurns)
			if err != nil {
				observe.Logger(ctx).Warn("processor: history unavailable", "player_id", req.PlayerID, "err", err)
				return nil
			}
			turns = t
			return nil
		})
	}
	if f.knowledge != nil {
		g.Go(func() error {
			s, err := f.knowledge.Search(ctx, req.Utterance, req.knowledgeFilters(), f.cfg.MaxKnowledge)
			if err != nil {
				observe.Logger(ctx).Warn("processor: knowledge unavailable", "err", err)
				return nil
			}
			snippets = s
			return nil
		})
	}
	_ = g.Wait()
	return turns, snippets
}

// generate calls the adapter under the backend timeout and parses the
// completion into res. The returned error is the failure that caused a
// fallback, or nil.
func (f *Framework) generate(ctx context.Context, tb tierBackend, text string, res *Result) error {
	callCtx, cancel := context.WithTimeout(ctx, f.cfg.BackendTimeout)
	defer cancel()

	raw, err := tb.adapter.Generate(callCtx, text)
	if err != nil {
		f.fallback(ctx, res, fallbackReason(err))
		return err
	}

	parsed := tb.parser.Parse(raw)
	if !parsed.Valid {
		f.fallback(ctx, res, ReasonInvalidResponse)
		return fmt.Errorf("processor: invalid response from %s: %v", tb.adapter.BackendID(), parsed.Metadata["invalid_reason"])
	}
	res.Text = parsed.Text
	res.Reasoning = parsed.Reasoning
	res.Metadata = parsed.Metadata
	res.Metadata["backend"] = tb.adapter.BackendID()
	return nil
}

func (f *Framework) fallback(ctx context.Context, res *Result, reason string) {
	res.Text = fallbackText(res.Tier, reason)
	res.Fallback = true
	res.Reasoning = ""
	res.Metadata = parse.Describe(res.Text)
	res.Metadata["fallback_reason"] = reason
	f.metrics.RecordFallback(ctx, string(res.Tier), reason)
}

// appendTurn writes the exchange in the background. Once dispatched the
// write survives cancellation of ctx; failures are logged only.
func (f *Framework) appendTurn(ctx context.Context, req Request, res *Result) {
	turn := history.Turn{
		Timestamp: f.now().UTC(),
		Query:     req.Utterance,
		Response:  res.Text,
		NPCID:     req.NPCID,
		PlayerID:  req.PlayerID,
		SessionID: req.SessionID,
		Metadata:  map[string]any{"tier": string(res.Tier), "fallback": res.Fallback},
	}
	ctx = context.WithoutCancel(ctx)
	f.pending.Go(func() {
		if err := f.history.Append(ctx, req.PlayerID, req.ConversationID, turn); err != nil {
			observe.Logger(ctx).Error("processor: append history failed",
				"player_id", req.PlayerID, "conversation_id", req.ConversationID, "err", err)
		}
	})
}

func debugInfo(p prompt.Prompt, genErr error) map[string]any {
	ids := make([]string, len(p.Knowledge))
	for i, s := range p.Knowledge {
		ids[i] = s.ID
	}
	d := map[string]any{
		"prompt":         p.Text,
		"prompt_tokens":  p.Tokens,
		"snippet_ids":    ids,
		"history_length": len(p.History),
	}
	if genErr != nil {
		d["backend_error"] = genErr.Error()
	}
	return d
}

// Wait blocks until every dispatched history append has finished or ctx is
// done.
func (f *Framework) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processor: wait: %w", ctx.Err())
	}
}

// Close drains pending appends, then closes the history store, the
// knowledge searcher, the persona resolver and every adapter, in that order,
// if they implement [Closer]. Every component is closed even when an
// earlier one fails; the errors are joined.
func (f *Framework) Close(ctx context.Context) error {
	errs := []error{f.Wait(ctx)}

	components := []any{f.history, f.knowledge, f.personas}
	for _, a := range f.order {
		components = append(components, a)
	}
	for _, c := range components {
		if closer, ok := c.(Closer); ok && closer != nil {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("processor: close %T: %w", c, err))
			}
		}
	}
	return errors.Join(errs...)
}
