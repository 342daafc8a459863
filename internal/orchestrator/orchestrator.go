// Package orchestrator drives the grant interview: it owns the phase state
// machine, builds provider prompts from session state, extracts structured
// fields from each exchange, and produces the final application document.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/grantflow/intake/internal/domain"
	"github.com/grantflow/intake/internal/llm"
	"github.com/grantflow/intake/internal/storage"
	"github.com/grantflow/intake/internal/tokens"
)

// Config bounds a single conversation. The exchange and cost caps are
// session-level limits, separate from the per-user admission ceilings.
type Config struct {
	Model             string
	MaxTokens         int
	GenerateMaxTokens int
	Temperature       float32
	MaxExchanges      int
	MaxSessionCost    float64
}

// DefaultConfig returns the production conversation limits.
func DefaultConfig() Config {
	return Config{
		Model:             "claude-sonnet-4-20250514",
		MaxTokens:         1024,
		GenerateMaxTokens: 4096,
		Temperature:       0.7,
		MaxExchanges:      50,
		MaxSessionCost:    2.00,
	}
}

// Result is the outcome of a conversation turn.
type Result struct {
	SessionID          string       `json:"sessionId"`
	Message            string       `json:"message"`
	Phase              domain.Phase `json:"phase"`
	Completeness       int          `json:"completeness"`
	Cost               float64      `json:"cost"`
	ReadyForGeneration bool         `json:"readyForGeneration"`

	// CallCost is the actual provider spend of this turn, reported back so
	// the caller can reconcile its admission reservation.
	CallCost float64 `json:"-"`
}

// Orchestrator coordinates the session store and the LLM provider for one
// conversation turn at a time. It is safe for concurrent use; all mutable
// state lives in the store.
type Orchestrator struct {
	store    storage.SessionStore
	provider llm.Provider
	prices   *tokens.PriceTable
	kb       *KnowledgeBase
	score    Scorer
	cfg      Config
	logger   *slog.Logger

	now func() time.Time
}

// New wires an orchestrator. Zero-valued cfg fields fall back to defaults.
func New(store storage.SessionStore, provider llm.Provider, prices *tokens.PriceTable, kb *KnowledgeBase, cfg Config, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.GenerateMaxTokens == 0 {
		cfg.GenerateMaxTokens = def.GenerateMaxTokens
	}
	if cfg.MaxExchanges == 0 {
		cfg.MaxExchanges = def.MaxExchanges
	}
	if cfg.MaxSessionCost == 0 {
		cfg.MaxSessionCost = def.MaxSessionCost
	}
	return &Orchestrator{
		store:    store,
		provider: provider,
		prices:   prices,
		kb:       kb,
		score:    ScoreByFieldCount,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start creates a session and returns the assistant's opening message.
// Pre-filled account fields that match the expected schema seed the
// extracted map, so returning users do not get asked what is already known.
func (o *Orchestrator) Start(ctx context.Context, subject, sessionID string, uc domain.UserContext) (*Result, error) {
	uc.Subject = subject

	seeded := make(map[string]string)
	for k, v := range uc.PreFill {
		if knownField(k) && v != "" {
			seeded[k] = v
		}
	}
	score := o.score(seeded)

	sess := &domain.Session{
		ID:            sessionID,
		Phase:         PhaseFor(score),
		ExtractedInfo: seeded,
		Completeness:  score,
		UserContext:   uc,
	}
	if err := o.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	resp, err := o.provider.CreateCompletion(ctx, &llm.Request{
		Model:       o.cfg.Model,
		System:      systemPrompt(o.kb, sess),
		Messages:    []llm.Message{{Role: "user", Content: openingPrompt(uc)}},
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		// The session was created before the call failed; remove it so a
		// retry with the same id is not rejected as a duplicate.
		if derr := o.store.Delete(context.WithoutCancel(ctx), sessionID); derr != nil {
			o.logger.Error("removing session after failed opening",
				slog.String("session_id", sessionID),
				slog.String("error", derr.Error()))
		}
		return nil, err
	}
	spent := o.recordUsage(ctx, sessionID, resp.Usage)
	o.appendMessage(ctx, sessionID, domain.RoleAssistant, resp.Content)

	return &Result{
		SessionID:          sessionID,
		Message:            resp.Content,
		Phase:              sess.Phase,
		Completeness:       sess.Completeness,
		Cost:               spent,
		ReadyForGeneration: ReadyForGeneration(sess.Completeness, sess.Phase),
		CallCost:           spent,
	}, nil
}

// ProcessMessage runs one full turn: append the user message, get the
// assistant reply, then run a second extraction-only call and fold its
// result into the session. Completeness and phase are recomputed from the
// merged map and persisted only when they changed.
func (o *Orchestrator) ProcessMessage(ctx context.Context, subject, sessionID, text string) (*Result, error) {
	sess, err := o.loadOwned(ctx, subject, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserMessageCount() >= o.cfg.MaxExchanges {
		return nil, domain.ErrRateLimit("This conversation has reached its maximum length. Please start a new session.")
	}
	if sess.Cost >= o.cfg.MaxSessionCost {
		return nil, domain.ErrRateLimit("This conversation has reached its cost limit. Please start a new session.")
	}

	userMsg := o.appendMessage(ctx, sessionID, domain.RoleUser, text)
	sess.Messages = append(sess.Messages, userMsg)

	resp, err := o.provider.CreateCompletion(ctx, &llm.Request{
		Model:       o.cfg.Model,
		System:      systemPrompt(o.kb, sess),
		Messages:    toLLMMessages(sess.Messages),
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}
	spent := o.recordUsage(ctx, sessionID, resp.Usage)
	o.appendMessage(ctx, sessionID, domain.RoleAssistant, resp.Content)

	score, phase := sess.Completeness, sess.Phase
	updates := o.extract(ctx, sessionID, text, resp.Content, &spent)
	if len(updates) > 0 {
		// The merge runs inside the store against the latest stored map, so
		// a turn committed by a concurrent request is never overwritten.
		_, err := o.store.MergeExtracted(ctx, sessionID, updates, func(merged map[string]string, current domain.Phase) (int, domain.Phase) {
			score = o.score(merged)
			phase = PhaseFor(score)
			if current == domain.PhaseComplete {
				// A generated application stays generated; late extractions
				// update the map but never reopen the interview.
				phase = domain.PhaseComplete
			}
			return score, phase
		})
		if err != nil {
			// The provider calls already happened; hand the spend back so
			// the caller can still reconcile its reservation.
			return &Result{SessionID: sessionID, CallCost: spent}, err
		}
	}

	return &Result{
		SessionID:          sessionID,
		Message:            resp.Content,
		Phase:              phase,
		Completeness:       score,
		Cost:               sess.Cost + spent,
		ReadyForGeneration: ReadyForGeneration(score, phase),
		CallCost:           spent,
	}, nil
}

// GetSession returns the caller's session for status display.
func (o *Orchestrator) GetSession(ctx context.Context, subject, sessionID string) (*domain.Session, error) {
	return o.loadOwned(ctx, subject, sessionID)
}

// DeleteSession removes the caller's session.
func (o *Orchestrator) DeleteSession(ctx context.Context, subject, sessionID string) error {
	if _, err := o.loadOwned(ctx, subject, sessionID); err != nil {
		return err
	}
	return o.store.Delete(ctx, sessionID)
}

// extract runs the second, extraction-only provider call. Its output is
// untrusted; any failure here degrades to "no new information" so a bad
// extraction can never abort the turn the user just paid for.
func (o *Orchestrator) extract(ctx context.Context, sessionID, userText, assistantText string, spent *float64) map[string]string {
	resp, err := o.provider.CreateCompletion(ctx, &llm.Request{
		Model:     o.cfg.Model,
		System:    extractionSystemPrompt(),
		Messages:  []llm.Message{{Role: "user", Content: extractionPrompt(userText, assistantText)}},
		MaxTokens: 512,
	})
	if err != nil {
		o.logger.Warn("extraction call failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return nil
	}
	*spent += o.recordUsage(ctx, sessionID, resp.Usage)
	return parseExtraction(resp.Content)
}

func (o *Orchestrator) loadOwned(ctx context.Context, subject, sessionID string) (*domain.Session, error) {
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserContext.Subject != subject {
		return nil, domain.ErrPermission("You do not have access to this session.")
	}
	return sess, nil
}

// recordUsage persists provider-reported usage against the session. It runs
// on a detached context so an aborted request still records its spend.
func (o *Orchestrator) recordUsage(ctx context.Context, sessionID string, usage llm.Usage) float64 {
	ctx = context.WithoutCancel(ctx)

	cost, err := o.prices.Cost(o.cfg.Model, usage.InputTokens, usage.OutputTokens)
	if err != nil {
		o.logger.Error("pricing provider usage",
			slog.String("model", o.cfg.Model),
			slog.String("error", err.Error()))
		cost = 0
	}
	if err := o.store.AddUsage(ctx, sessionID, usage.InputTokens+usage.OutputTokens, cost); err != nil {
		o.logger.Error("recording session usage",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	return cost
}

// appendMessage persists one turn. Store failures are logged rather than
// propagated: by the time we append, the provider call already happened and
// the user should still receive the reply.
func (o *Orchestrator) appendMessage(ctx context.Context, sessionID string, role domain.Role, content string) domain.Message {
	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: o.now().UTC(),
	}
	if err := o.store.AppendMessage(context.WithoutCancel(ctx), sessionID, msg); err != nil {
		o.logger.Error("appending message",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	return msg
}

func toLLMMessages(msgs []domain.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
