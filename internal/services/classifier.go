package services

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"

	"github.com/cicd-fixer/backend/internal/logger"
)

type ErrorType string

const (
	ErrorTypeDependency ErrorType = "dependency_error"
	ErrorTypeTest       ErrorType = "test_failure"
	ErrorTypeBuild      ErrorType = "build_error"
	ErrorTypePermission ErrorType = "permission_error"
	ErrorTypeTimeout    ErrorType = "timeout_error"
	ErrorTypeResource   ErrorType = "resource_error"
	ErrorTypeUnknown    ErrorType = "unknown_error"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// ErrorSignature is the normalized identity of a failure log. Two logs that
// differ only in timestamps or whitespace share the same fingerprint.
type ErrorSignature struct {
	Fingerprint string    `json:"fingerprint"`
	Pattern     string    `json:"pattern"`
	Type        ErrorType `json:"type"`
	Severity    Severity  `json:"severity"`
}

type classifierRule struct {
	errorType ErrorType
	pattern   string
	severity  Severity
	keywords  []string
}

// ErrorClassifier maps raw failure logs onto the error taxonomy using an
// ordered rule table. Results are cached by fingerprint, so classification
// of the same log content is deterministic and cheap.
type ErrorClassifier struct {
	rules []classifierRule

	cacheMu sync.RWMutex
	cache   map[string]ErrorSignature
}

func NewErrorClassifier() *ErrorClassifier {
	// First matching rule wins, so order encodes priority.
	return &ErrorClassifier{
		rules: []classifierRule{
			{
				errorType: ErrorTypeDependency,
				pattern:   "Dependency Installation Failure",
				severity:  SeverityMedium,
				keywords: []string{
					"npm install", "npm err", "yarn install", "pip install",
					"module not found", "cannot find module", "enoent",
					"package.json", "requirements.txt", "go mod download",
					"could not resolve dependencies", "unresolved dependency",
					"dependency", "package not found",
				},
			},
			{
				errorType: ErrorTypeTest,
				pattern:   "Test Suite Failure",
				severity:  SeverityMedium,
				// Bare "expected" or "assert" would shadow compiler
				// diagnostics like `syntax error: expected ';'`.
				keywords: []string{
					"test failed", "tests failed", "assertion",
					"expect(received)", "jest", "mocha", "pytest", "go test",
					"failing test", "test suite", "spec failed",
				},
			},
			{
				errorType: ErrorTypeBuild,
				pattern:   "Build/Compile Error",
				severity:  SeverityHigh,
				keywords: []string{
					"build failed", "compilation error", "compile error",
					"syntax error", "cannot find symbol", "undefined reference",
					"tsc", "webpack", "make: ***", "gcc", "javac",
					"undefined:", "expected ';'",
				},
			},
			{
				errorType: ErrorTypePermission,
				pattern:   "Permission Denied",
				severity:  SeverityHigh,
				keywords: []string{
					"permission denied", "access denied", "unauthorized",
					"403", "401", "forbidden", "authentication failed",
					"eacces", "insufficient privileges",
				},
			},
			{
				errorType: ErrorTypeTimeout,
				pattern:   "Execution Timeout",
				severity:  SeverityMedium,
				keywords: []string{
					"timeout", "timed out", "deadline exceeded",
					"operation was canceled", "etimedout",
				},
			},
			{
				errorType: ErrorTypeResource,
				pattern:   "Resource Exhaustion",
				severity:  SeverityCritical,
				keywords: []string{
					"out of memory", "oom", "killed", "no space left",
					"disk quota", "enospc", "resource temporarily unavailable",
					"cannot allocate memory",
				},
			},
		},
		cache: make(map[string]ErrorSignature),
	}
}

var (
	// ISO and bracketed timestamps, plus log-line time prefixes.
	timestampRe = regexp.MustCompile(`(?:\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?)|(?:\[\d{2}:\d{2}:\d{2}(?:[.,]\d+)?\])|(?:\d{2}:\d{2}:\d{2}(?:[.,]\d+)?)`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// NormalizeLog strips timestamps and collapses whitespace so that reruns of
// the same failure hash identically.
func NormalizeLog(raw string) string {
	cleaned := timestampRe.ReplaceAllString(raw, "")
	cleaned = whitespaceRe.ReplaceAllString(cleaned, " ")
	return strings.ToLower(strings.TrimSpace(cleaned))
}

// Fingerprint returns the stable content hash of a failure log.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(NormalizeLog(raw)))
	return hex.EncodeToString(sum[:])
}

// Classify maps a raw failure log onto the taxonomy. languageHint is the
// repository's detected language and participates in keyword matching only.
// Logs matching no rule degrade to unknown_error at medium severity rather
// than failing.
func (ec *ErrorClassifier) Classify(rawLog, languageHint string) ErrorSignature {
	fingerprint := Fingerprint(rawLog)

	ec.cacheMu.RLock()
	if sig, ok := ec.cache[fingerprint]; ok {
		ec.cacheMu.RUnlock()
		return sig
	}
	ec.cacheMu.RUnlock()

	normalized := NormalizeLog(rawLog)
	haystack := normalized
	if languageHint != "" {
		haystack = normalized + " " + strings.ToLower(languageHint)
	}

	sig := ErrorSignature{
		Fingerprint: fingerprint,
		Pattern:     "Unrecognized Failure",
		Type:        ErrorTypeUnknown,
		Severity:    SeverityMedium,
	}

	for _, rule := range ec.rules {
		if matched, keyword := matchesAny(haystack, rule.keywords); matched {
			sig.Pattern = rule.pattern
			sig.Type = rule.errorType
			sig.Severity = rule.severity
			logger.Debug("Classified failure log", map[string]interface{}{
				"fingerprint": fingerprint[:12],
				"error_type":  rule.errorType,
				"keyword":     keyword,
			})
			break
		}
	}

	if sig.Type == ErrorTypeUnknown {
		logger.Debug("No classification rule matched, degrading to unknown", map[string]interface{}{
			"fingerprint": fingerprint[:12],
			"log_length":  len(rawLog),
		})
	}

	ec.cacheMu.Lock()
	ec.cache[fingerprint] = sig
	ec.cacheMu.Unlock()

	return sig
}

func matchesAny(haystack string, keywords []string) (bool, string) {
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			return true, kw
		}
	}
	return false, ""
}
