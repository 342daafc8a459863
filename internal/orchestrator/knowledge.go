package orchestrator

import "github.com/grantflow/intake/internal/domain"

// KnowledgeBase holds the static prompt material the orchestrator weaves
// into every system prompt. It is built once at startup and treated as
// read-only afterwards; nothing in this package mutates it.
type KnowledgeBase struct {
	ProgramName    string
	ProgramSummary string
	phaseGuidance  map[domain.Phase]string
	sectorNotes    map[string]string
}

// NewKnowledgeBase copies the supplied guidance maps so later mutation of
// the arguments cannot leak into prompts.
func NewKnowledgeBase(name, summary string, phaseGuidance map[domain.Phase]string, sectorNotes map[string]string) *KnowledgeBase {
	kb := &KnowledgeBase{
		ProgramName:    name,
		ProgramSummary: summary,
		phaseGuidance:  make(map[domain.Phase]string, len(phaseGuidance)),
		sectorNotes:    make(map[string]string, len(sectorNotes)),
	}
	for k, v := range phaseGuidance {
		kb.phaseGuidance[k] = v
	}
	for k, v := range sectorNotes {
		kb.sectorNotes[k] = v
	}
	return kb
}

// DefaultKnowledgeBase returns the built-in R&D grant program guidance.
func DefaultKnowledgeBase() *KnowledgeBase {
	return NewKnowledgeBase(
		"R&D Innovation Grant",
		"The grant subsidizes the labor costs of technical research and development "+
			"performed by the applicant's own staff. Eligible projects solve a concrete "+
			"technical problem that is new to the applicant and carries technical risk. "+
			"Routine development, market research, and organizational change are not eligible. "+
			"The application must describe the technical challenge, the proposed solution "+
			"direction, the planned development activities with hour budgets, and the "+
			"expected results.",
		map[domain.Phase]string{
			domain.PhaseDiscovery: "You are early in the interview. Ask open questions " +
				"to learn what the project is about: its title, a description, the technical " +
				"challenge, and the intended solution. Ask about one or two topics per turn, " +
				"never a long checklist.",
			domain.PhaseClarification: "The outline is known. Fill the remaining gaps: " +
				"planned development activities, project duration, hours per month, team " +
				"size, innovative aspects, expected results. Confirm numbers back to the " +
				"user in your own words.",
			domain.PhaseGeneration: "All required information has been collected. Summarize " +
				"what you have, point out anything the user may still want to sharpen, and " +
				"tell them the application can now be generated.",
			domain.PhaseComplete: "The application has been generated. Answer follow-up " +
				"questions about its content and suggest next steps for submission.",
		},
		map[string]string{
			"software": "For software projects, stress what is technically novel beyond " +
				"applying existing frameworks: new algorithms, protocols, or architectures " +
				"with uncertain feasibility.",
			"manufacturing": "For manufacturing projects, focus on new production " +
				"techniques, materials, or process control, and the measurable performance " +
				"targets that make the development risky.",
			"agriculture": "For agriculture projects, highlight technical development in " +
				"cultivation systems, sensing, or processing, not the agronomic trial itself.",
		},
	)
}

// GuidanceFor returns the interviewing guidance for a phase.
func (kb *KnowledgeBase) GuidanceFor(phase domain.Phase) string {
	return kb.phaseGuidance[phase]
}

// SectorNote returns sector-specific guidance, or "" for unknown sectors.
func (kb *KnowledgeBase) SectorNote(sector string) string {
	return kb.sectorNotes[sector]
}
