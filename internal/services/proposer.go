package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cicd-fixer/backend/internal/logger"
)

// RepoContext is everything the proposer knows about the repository whose
// workflow failed.
type RepoContext struct {
	Owner                string   `json:"owner"`
	Repo                 string   `json:"repo"`
	Language             string   `json:"language"`
	Framework            string   `json:"framework"`
	BuildSystem          string   `json:"buildSystem"`
	ClarificationAnswers []string `json:"clarificationAnswers,omitempty"`
}

// FixProposal is a scored remediation suggestion.
type FixProposal struct {
	SuggestedFix  string   `json:"suggestedFix"`
	Steps         []string `json:"steps,omitempty"`
	Commands      []string `json:"commands,omitempty"`
	Confidence    float64  `json:"confidence"`
	Rationale     string   `json:"rationale,omitempty"`
	EstimatedTime string   `json:"estimatedTime,omitempty"`
	SimilarFixes  int      `json:"similarFixes"`
	Fallback      bool     `json:"fallback"`
}

// FixProposer turns a classified failure into a fix proposal. It consults
// the pattern store for fixes that worked before, asks the generator for
// candidates, and shapes the confidence from historical agreement. When the
// generator is unusable it degrades to a low-confidence manual
// investigation proposal instead of failing.
type FixProposer struct {
	generator      FixGenerator
	store          *PatternStore
	candidateCount int
	timeout        time.Duration
}

func NewFixProposer(generator FixGenerator, store *PatternStore) *FixProposer {
	candidates := 2
	if raw := os.Getenv("PROPOSER_CANDIDATES"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 1 {
			candidates = parsed
		}
	}
	return &FixProposer{
		generator:      generator,
		store:          store,
		candidateCount: candidates,
		timeout:        90 * time.Second,
	}
}

// Propose builds a fix for the classified failure. It returns an
// InsufficientInformation error (as *ClarificationNeeded) when the
// generator asks a question and no answers have been supplied yet.
func (fp *FixProposer) Propose(ctx context.Context, sig ErrorSignature, repoCtx *RepoContext, failureLog string) (*FixProposal, error) {
	similar, err := fp.store.SimilarFixes(sig, 3)
	if err != nil {
		logger.Warn("Similar fix lookup failed, proposing without history", map[string]interface{}{
			"error_type": sig.Type,
			"error":      err.Error(),
		})
		similar = nil
	}

	prompt := buildFixPrompt(sig, repoCtx, similar, failureLog)

	candidates := make([]*GeneratedFix, 0, fp.candidateCount)
	for i := 0; i < fp.candidateCount; i++ {
		callCtx, cancel := context.WithTimeout(ctx, fp.timeout)
		generated, err := fp.generator.GenerateFix(callCtx, prompt)
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			logger.Warn("Fix generation attempt failed", map[string]interface{}{
				"attempt": i + 1,
				"error":   err.Error(),
			})
			continue
		}

		if generated.NeedsClarification != "" && len(repoCtx.ClarificationAnswers) == 0 {
			return nil, &ClarificationNeeded{Question: generated.NeedsClarification}
		}
		if generated.Description == "" {
			continue
		}
		candidates = append(candidates, generated)
	}

	if len(candidates) == 0 {
		logger.WithContext(map[string]interface{}{
			"error_type": sig.Type,
			"component":  "fix_proposer",
		}).Warn("No usable fix candidates, falling back to manual investigation")
		return fp.manualInvestigation(sig), nil
	}

	primary := candidates[0]
	confidence := clamp(primary.Confidence, 0.05, 1)

	// Historical agreement raises confidence, a cold start on a severe
	// failure lowers it.
	if len(similar) > 0 && similar[0].Score > 0.5 {
		confidence = clamp(confidence*1.2, 0.05, 1)
	} else if len(similar) == 0 && sig.Severity.AtLeast(SeverityHigh) {
		confidence = clamp(confidence*0.8, 0.05, 1)
	}

	// Disagreement between candidates means the model is guessing.
	if len(candidates) > 1 {
		agreement := jaccard(tokenSet(primary.Description), tokenSet(candidates[1].Description))
		if agreement < 0.3 {
			confidence = clamp(confidence*0.75, 0.05, 1)
		}
	}

	return &FixProposal{
		SuggestedFix:  formatFixText(primary),
		Steps:         primary.Steps,
		Commands:      primary.Commands,
		Confidence:    confidence,
		Rationale:     primary.Rationale,
		EstimatedTime: primary.EstimatedTime,
		SimilarFixes:  len(similar),
	}, nil
}

// manualInvestigation is the non-empty floor proposal: analysis never
// produces an empty fix, only a low-confidence manual one.
func (fp *FixProposer) manualInvestigation(sig ErrorSignature) *FixProposal {
	return &FixProposal{
		SuggestedFix: fmt.Sprintf("Manual investigation required for %s. Review the failed step's log output, reproduce the failure locally, and check recent changes to the workflow configuration.", sig.Pattern),
		Steps: []string{
			"Open the failed workflow run and locate the first failing step",
			"Reproduce the failing command locally with the same inputs",
			"Compare against the last successful run of the same workflow",
			"Check recent commits touching build or CI configuration",
		},
		Confidence:    0.1,
		Rationale:     "Automated analysis could not produce a fix candidate for this failure",
		EstimatedTime: "30-60 minutes",
		Fallback:      true,
	}
}

func formatFixText(fix *GeneratedFix) string {
	var b strings.Builder
	b.WriteString(fix.Description)
	if len(fix.Steps) > 0 {
		b.WriteString("\n\nSteps:\n")
		for i, step := range fix.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	if len(fix.Commands) > 0 {
		b.WriteString("\nCommands:\n")
		for _, cmd := range fix.Commands {
			fmt.Fprintf(&b, "  %s\n", cmd)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// --- repository stack detection ---

type stackHint struct {
	language    string
	framework   string
	buildSystem string
	keywords    []string
}

var stackHints = []stackHint{
	{"javascript", "react", "npm", []string{"react-scripts", "jsx", "react"}},
	{"javascript", "", "npm", []string{"npm", "package.json", "node_modules", "yarn"}},
	{"python", "django", "pip", []string{"django", "manage.py"}},
	{"python", "flask", "pip", []string{"flask"}},
	{"python", "", "pip", []string{"pip install", "requirements.txt", "pytest", "python"}},
	// rust before go: "cargo build" contains the substring "go build"
	{"rust", "", "cargo", []string{"cargo build", "cargo test", "cargo.toml"}},
	{"go", "", "go", []string{"go build", "go mod", "go test", "go.mod"}},
	{"java", "spring", "maven", []string{"spring-boot", "springframework"}},
	{"java", "", "maven", []string{"mvn", "pom.xml", "maven"}},
	{"java", "", "gradle", []string{"gradle", "build.gradle"}},
	{"ruby", "rails", "bundler", []string{"rails", "gemfile", "bundle install"}},
}

// DetectStack infers language, framework and build system from failure log
// content. Unknown stacks come back as empty strings.
func DetectStack(failureLog string) (language, framework, buildSystem string) {
	haystack := strings.ToLower(failureLog)
	for _, hint := range stackHints {
		if matched, _ := matchesAny(haystack, hint.keywords); matched {
			return hint.language, hint.framework, hint.buildSystem
		}
	}
	return "", "", ""
}
