package usecase

import (
	"fmt"
	"strings"

	"voicelab/internal/domain"
)

// buildInstruction renders the persona conditioning text sent with session.create.
func buildInstruction(pc domain.PersonaContext) string {
	role, scenario := pc.Role, pc.Scenario

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s (%s), a %s.\n", role.NameCN, role.Name, role.Title)
	fmt.Fprintf(&b, "Your description: %q.\n", role.Description)
	fmt.Fprintf(&b, "Personality: Hostility=%d/100, Verbosity=%d/100, Skepticism=%d/100.\n", role.Hostility, role.Verbosity, role.Skepticism)
	fmt.Fprintf(&b, "System Addon: %s\n\n", role.SystemPromptAddon)
	fmt.Fprintf(&b, "Current Scenario: %s\n", scenario.Subtitle)
	fmt.Fprintf(&b, "Description: %s\n", scenario.Description)
	fmt.Fprintf(&b, "Workflow: %s\n", scenario.Workflow)
	fmt.Fprintf(&b, "Knowledge Points: %s\n\n", scenario.KnowledgePoints)
	b.WriteString("Your goal: Act as the patient/colleague in this medical simulation. Interact naturally via voice.\n")
	b.WriteString("Do not break character. Speak Chinese.")
	return b.String()
}
