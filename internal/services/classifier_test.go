package services

import (
	"testing"
)

func TestClassifyErrorTypes(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name     string
		log      string
		expected ErrorType
	}{
		{
			name:     "npm dependency failure",
			log:      "ENOENT: no such file or directory, npm install",
			expected: ErrorTypeDependency,
		},
		{
			name:     "missing module",
			log:      "Error: Cannot find module 'left-pad'",
			expected: ErrorTypeDependency,
		},
		{
			name:     "jest test failure",
			log:      "FAIL src/app.test.js\n  ● renders header\n    expected <h1> to be present\nTests failed: 1",
			expected: ErrorTypeTest,
		},
		{
			name:     "compilation error",
			log:      "main.go:42:7: undefined: frobnicate\ncompilation error",
			expected: ErrorTypeBuild,
		},
		{
			name:     "compiler diagnostic wording is not a test failure",
			log:      "main.c:12:5: syntax error: expected ';' before 'return'",
			expected: ErrorTypeBuild,
		},
		{
			name:     "jest matcher output",
			log:      "expect(received).toBe(expected)\nExpected: 3\nReceived: 4",
			expected: ErrorTypeTest,
		},
		{
			name:     "permission denied",
			log:      "EACCES: permission denied, open '/usr/lib/node_modules'",
			expected: ErrorTypePermission,
		},
		{
			name:     "job timeout",
			log:      "The job running on runner GitHub Actions 12 has exceeded the maximum execution time and timed out",
			expected: ErrorTypeTimeout,
		},
		{
			name:     "out of memory",
			log:      "fatal error: runtime: out of memory",
			expected: ErrorTypeResource,
		},
		{
			name:     "unclassifiable log",
			log:      "something inexplicable happened",
			expected: ErrorTypeUnknown,
		},
		{
			name:     "empty log degrades to unknown",
			log:      "",
			expected: ErrorTypeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := classifier.Classify(tt.log, "")
			if sig.Type != tt.expected {
				t.Errorf("For log %q, expected type %q, got %q", tt.log, tt.expected, sig.Type)
			}
			if sig.Pattern == "" {
				t.Errorf("For log %q, expected a non-empty pattern", tt.log)
			}
			if sig.Fingerprint == "" {
				t.Errorf("For log %q, expected a non-empty fingerprint", tt.log)
			}
		})
	}
}

func TestUnknownSeverityIsMedium(t *testing.T) {
	classifier := NewErrorClassifier()
	sig := classifier.Classify("something inexplicable happened", "")
	if sig.Severity != SeverityMedium {
		t.Errorf("Expected unknown failures at medium severity, got %q", sig.Severity)
	}
}

func TestFingerprintStability(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
	}{
		{
			name: "timestamps differ",
			a:    "2024-01-01T10:00:00Z npm ERR! code ENOENT",
			b:    "2024-03-15 22:14:09 npm ERR! code ENOENT",
		},
		{
			name: "whitespace differs",
			a:    "npm ERR!   code    ENOENT",
			b:    "npm ERR! code ENOENT",
		},
		{
			name: "bracketed time prefix",
			a:    "[10:22:31] Build failed",
			b:    "Build failed",
		},
		{
			name: "case differs",
			a:    "NPM ERR! Code ENOENT",
			b:    "npm err! code enoent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Fingerprint(tt.a) != Fingerprint(tt.b) {
				t.Errorf("Expected identical fingerprints for %q and %q", tt.a, tt.b)
			}
		})
	}
}

func TestFingerprintDistinguishesContent(t *testing.T) {
	a := Fingerprint("npm ERR! code ENOENT")
	b := Fingerprint("npm ERR! code E404")
	if a == b {
		t.Error("Different log content must produce different fingerprints")
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	classifier := NewErrorClassifier()
	log := "ENOENT: no such file or directory, npm install"

	first := classifier.Classify(log, "")
	for i := 0; i < 10; i++ {
		again := classifier.Classify(log, "")
		if again != first {
			t.Fatalf("Classification changed between calls: %+v vs %+v", first, again)
		}
	}
}

func TestClassifyRulePriority(t *testing.T) {
	classifier := NewErrorClassifier()

	// Dependency keywords outrank test keywords when both appear.
	sig := classifier.Classify("tests failed because npm install could not resolve dependencies", "")
	if sig.Type != ErrorTypeDependency {
		t.Errorf("Expected dependency_error to win on priority, got %q", sig.Type)
	}
}

func TestSeverityAtLeast(t *testing.T) {
	if !SeverityCritical.AtLeast(SeverityHigh) {
		t.Error("critical should be at least high")
	}
	if SeverityLow.AtLeast(SeverityMedium) {
		t.Error("low should not be at least medium")
	}
	if !SeverityMedium.AtLeast(SeverityMedium) {
		t.Error("severity should be at least itself")
	}
}
