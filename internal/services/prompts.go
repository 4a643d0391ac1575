package services

import (
	"fmt"
	"strings"
)

// buildFixPrompt assembles the prompt for fix generation. The model is
// instructed to answer with a single JSON object or, when the log and
// context are not enough to act on, a clarifying question.
func buildFixPrompt(sig ErrorSignature, repoCtx *RepoContext, similar []RankedFix, failureLog string) string {
	var b strings.Builder

	b.WriteString("You are a CI/CD failure remediation assistant. A GitHub Actions workflow failed and you must propose a concrete fix.\n\n")

	b.WriteString("FAILURE CLASSIFICATION:\n")
	fmt.Fprintf(&b, "- Error type: %s\n", sig.Type)
	fmt.Fprintf(&b, "- Pattern: %s\n", sig.Pattern)
	fmt.Fprintf(&b, "- Severity: %s\n\n", sig.Severity)

	b.WriteString("REPOSITORY CONTEXT:\n")
	fmt.Fprintf(&b, "- Repository: %s/%s\n", repoCtx.Owner, repoCtx.Repo)
	if repoCtx.Language != "" {
		fmt.Fprintf(&b, "- Language: %s\n", repoCtx.Language)
	}
	if repoCtx.Framework != "" {
		fmt.Fprintf(&b, "- Framework: %s\n", repoCtx.Framework)
	}
	if repoCtx.BuildSystem != "" {
		fmt.Fprintf(&b, "- Build system: %s\n", repoCtx.BuildSystem)
	}
	b.WriteString("\n")

	if len(similar) > 0 {
		b.WriteString("FIXES THAT WORKED FOR SIMILAR FAILURES:\n")
		for i, fix := range similar {
			fmt.Fprintf(&b, "%d. (success rate %.2f) %s\n", i+1, fix.SuccessRate, truncate(fix.Description, 300))
		}
		b.WriteString("\n")
	}

	if len(repoCtx.ClarificationAnswers) > 0 {
		b.WriteString("ANSWERS TO YOUR EARLIER QUESTIONS:\n")
		for _, answer := range repoCtx.ClarificationAnswers {
			fmt.Fprintf(&b, "- %s\n", answer)
		}
		b.WriteString("\n")
	}

	b.WriteString("FAILURE LOG (truncated):\n")
	b.WriteString(truncate(failureLog, 6000))
	b.WriteString("\n\n")

	b.WriteString(`Respond with ONLY a JSON object, no markdown fences, in this exact shape:
{
  "description": "one-paragraph summary of the fix",
  "steps": ["ordered remediation steps"],
  "commands": ["shell commands to run, if any"],
  "confidence": 0.0,
  "rationale": "why this fix addresses the failure",
  "estimatedTime": "e.g. 15 minutes"
}

Set confidence between 0 and 1 based on how certain you are the fix resolves the failure.
If the log and context are genuinely insufficient to propose any fix, respond instead with:
{"needsClarification": "one specific question whose answer would unblock you"}`)

	return b.String()
}
