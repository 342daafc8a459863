package orchestrator

import "github.com/grantflow/intake/internal/domain"

// ExpectedFields are the pieces of information a submittable application
// needs. Each contributes equally to the completeness score.
var ExpectedFields = []string{
	"projectTitle",
	"projectDescription",
	"technicalChallenge",
	"proposedSolution",
	"innovativeAspects",
	"developmentActivities",
	"projectDuration",
	"hoursPerMonth",
	"teamSize",
	"expectedResults",
}

const (
	pointsPerField         = 10
	clarificationThreshold = 50
	generationThreshold    = 80
)

// Scorer derives a 0-100 completeness score from the extracted fields.
// It must be a pure function: the same map always yields the same score.
type Scorer func(extracted map[string]string) int

// ScoreByFieldCount awards pointsPerField for every expected field with a
// non-empty value. Unknown keys never contribute.
func ScoreByFieldCount(extracted map[string]string) int {
	score := 0
	for _, field := range ExpectedFields {
		if extracted[field] != "" {
			score += pointsPerField
		}
	}
	return score
}

// PhaseFor maps a completeness score onto the interview phase. The mapping
// is applied after every extraction, so the phase moves backward when new
// information lowers the score. PhaseComplete is never derived from a
// score; it is only entered when generation succeeds.
func PhaseFor(score int) domain.Phase {
	switch {
	case score < clarificationThreshold:
		return domain.PhaseDiscovery
	case score < generationThreshold:
		return domain.PhaseClarification
	default:
		return domain.PhaseGeneration
	}
}

// ReadyForGeneration reports whether a session may invoke generation.
func ReadyForGeneration(score int, phase domain.Phase) bool {
	return score >= generationThreshold && phase == domain.PhaseGeneration
}
