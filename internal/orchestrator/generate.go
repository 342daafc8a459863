package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/grantflow/intake/internal/domain"
	"github.com/grantflow/intake/internal/llm"
	"github.com/grantflow/intake/internal/storage"
)

// Fallback cost assumptions when the model fails to produce a usable
// breakdown: a flat labor rate and the program's deduction percentage.
const (
	fallbackHourlyRate    = 60.0
	fallbackDeductionRate = 0.36
	fallbackMonths        = 12
)

// GenerateResult is the outcome of the final generation call.
type GenerateResult struct {
	SessionID   string                   `json:"sessionId"`
	Application *domain.GrantApplication `json:"application"`
	Phase       domain.Phase             `json:"phase"`
	Fallback    bool                     `json:"fallback,omitempty"`
	Cost        float64                  `json:"cost"`

	CallCost float64 `json:"-"`
}

// Generate produces the structured application document. It requires the
// session to have reached the generation threshold. A model response that
// fails strict parsing degrades to a minimal document synthesized from the
// extracted fields; the user never sees a parse failure as a hard error.
func (o *Orchestrator) Generate(ctx context.Context, subject, sessionID string) (*GenerateResult, error) {
	sess, err := o.loadOwned(ctx, subject, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Completeness < generationThreshold {
		return nil, fmt.Errorf("%w: completeness %d, need %d",
			domain.ErrInsufficientInfo, sess.Completeness, generationThreshold)
	}

	resp, err := o.provider.CreateCompletion(ctx, &llm.Request{
		Model:     o.cfg.Model,
		System:    "You write formal grant applications. Follow the requested JSON schema exactly.",
		Messages:  []llm.Message{{Role: "user", Content: generationPrompt(sess)}},
		MaxTokens: o.cfg.GenerateMaxTokens,
	})
	if err != nil {
		return nil, err
	}
	spent := o.recordUsage(ctx, sessionID, resp.Usage)

	app, parseErr := parseApplication(resp.Content)
	fallback := parseErr != nil
	if fallback {
		o.logger.Warn("generation output unusable, synthesizing fallback document",
			slog.String("session_id", sessionID),
			slog.String("error", parseErr.Error()))
		app = fallbackApplication(sess.ExtractedInfo)
	}
	app.Normalize()

	phase := domain.PhaseComplete
	if err := o.store.Update(ctx, sessionID, storage.SessionUpdate{Phase: &phase}); err != nil {
		// The generation call already ran; surface its spend alongside the
		// failure so the caller can reconcile its reservation.
		return &GenerateResult{SessionID: sessionID, CallCost: spent}, err
	}

	return &GenerateResult{
		SessionID:   sessionID,
		Application: app,
		Phase:       phase,
		Fallback:    fallback,
		Cost:        sess.Cost + spent,
		CallCost:    spent,
	}, nil
}

// parseApplication strictly parses the model's document. Beyond valid JSON
// it requires the narrative and activities to be present; a hollow document
// is as useless as a malformed one.
func parseApplication(raw string) (*domain.GrantApplication, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in generation output")
	}

	var app domain.GrantApplication
	if err := json.Unmarshal([]byte(raw[start:end+1]), &app); err != nil {
		return nil, fmt.Errorf("parsing generation output: %w", err)
	}
	if app.ProjectDescription == "" {
		return nil, fmt.Errorf("generation output missing project description")
	}
	if len(app.Activities) == 0 {
		return nil, fmt.Errorf("generation output has no activities")
	}
	return &app, nil
}

// fallbackApplication synthesizes a minimal but internally consistent
// document from the extracted fields alone.
func fallbackApplication(info map[string]string) *domain.GrantApplication {
	months := firstInt(info["projectDuration"], fallbackMonths)
	hoursPerMonth := firstInt(info["hoursPerMonth"], 0)
	totalHours := months * hoursPerMonth

	name := info["projectTitle"]
	if name == "" {
		name = "Development"
	}
	description := info["developmentActivities"]
	if description == "" {
		description = info["proposedSolution"]
	}

	laborCosts := float64(totalHours) * fallbackHourlyRate
	return &domain.GrantApplication{
		ProjectDescription: info["projectDescription"],
		TechnicalChallenge: info["technicalChallenge"],
		InnovativeAspects:  info["innovativeAspects"],
		ExpectedResults:    info["expectedResults"],
		Activities: []domain.Activity{{
			Name:        name,
			Description: description,
			Duration:    fmt.Sprintf("%d months", months),
			Hours:       totalHours,
		}},
		CostBreakdown: domain.CostBreakdown{
			TotalHours: totalHours,
			LaborCosts: laborCosts,
			Deduction:  laborCosts * fallbackDeductionRate,
		},
	}
}

// firstInt returns the first run of digits in s, or def when there is none.
func firstInt(s string, def int) int {
	n, found := 0, false
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
			found = true
			continue
		}
		if found {
			break
		}
	}
	if !found {
		return def
	}
	return n
}
