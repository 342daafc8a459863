package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grantflow/intake/internal/domain"
)

// systemPrompt assembles the interviewing prompt for the current turn:
// program knowledge, phase guidance, sector notes, what is already known,
// and any pre-filled account data.
func systemPrompt(kb *KnowledgeBase, sess *domain.Session) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are an experienced consultant helping an applicant prepare a %s application.\n\n", kb.ProgramName)
	b.WriteString("Program knowledge:\n")
	b.WriteString(kb.ProgramSummary)
	b.WriteString("\n\n")

	if guidance := kb.GuidanceFor(sess.Phase); guidance != "" {
		b.WriteString("Current stage:\n")
		b.WriteString(guidance)
		b.WriteString("\n\n")
	}

	if note := kb.SectorNote(sess.UserContext.Sector); note != "" {
		b.WriteString("Sector note:\n")
		b.WriteString(note)
		b.WriteString("\n\n")
	}

	if len(sess.ExtractedInfo) > 0 {
		b.WriteString("Information collected so far (do not ask for these again):\n")
		writeFields(&b, sess.ExtractedInfo)
		b.WriteString("\n")
	}

	if len(sess.UserContext.PreFill) > 0 {
		b.WriteString("Known from the applicant's account:\n")
		writeFields(&b, sess.UserContext.PreFill)
		b.WriteString("\n")
	}

	b.WriteString("Keep replies short and conversational. Never invent facts about the project; everything in the application must come from the user.")
	return b.String()
}

// openingPrompt is the synthetic first user turn that elicits the greeting.
func openingPrompt(uc domain.UserContext) string {
	var b strings.Builder
	b.WriteString("Open the conversation. Greet the applicant, say what you will help them with, and ask your first question.")
	if uc.IsPreFilled && uc.CompanyName != "" {
		fmt.Fprintf(&b, " The applicant's company is %s; greet them by company name and acknowledge that some account details are already known.", uc.CompanyName)
	}
	return b.String()
}

// extractionSystemPrompt instructs the second, extraction-only call.
// The model must answer with a bare JSON object so parseExtraction can
// treat anything else as "no new information".
func extractionSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You extract structured facts from one exchange of a grant interview. ")
	b.WriteString("Respond with a single JSON object and nothing else. ")
	b.WriteString("Use only these keys, and include a key only when the exchange states its value clearly:\n")
	for _, field := range ExpectedFields {
		b.WriteString("  ")
		b.WriteString(field)
		b.WriteString("\n")
	}
	b.WriteString("All values are strings. If the exchange contains no new facts, respond with {}.")
	return b.String()
}

func extractionPrompt(userText, assistantText string) string {
	return fmt.Sprintf("User said:\n%s\n\nAssistant replied:\n%s\n\nExtract the facts.", userText, assistantText)
}

// generationPrompt asks for the final document: the full field map plus the
// complete conversation, with the exact JSON schema spelled out.
func generationPrompt(sess *domain.Session) string {
	var b strings.Builder

	b.WriteString("Write the grant application for this project as a single JSON object with exactly this shape:\n")
	b.WriteString(`{
  "projectDescription": "...",
  "technicalChallenge": "...",
  "innovativeAspects": "...",
  "expectedResults": "...",
  "activities": [{"name": "...", "description": "...", "duration": "...", "hours": 0}],
  "costBreakdown": {"totalHours": 0, "laborCosts": 0, "deduction": 0, "netCosts": 0}
}`)
	b.WriteString("\n\nRespond with the JSON object only. netCosts must equal laborCosts minus deduction.\n\n")

	b.WriteString("Collected information:\n")
	writeFields(&b, sess.ExtractedInfo)
	b.WriteString("\nConversation:\n")
	for _, msg := range sess.Messages {
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
	}
	return b.String()
}

// writeFields renders a map in sorted order so prompts are deterministic.
func writeFields(b *strings.Builder, fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "  %s: %s\n", k, fields[k])
	}
}
