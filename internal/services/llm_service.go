package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cicd-fixer/backend/internal/logger"
)

// GeneratedFix is the structured response expected from the model.
type GeneratedFix struct {
	Description        string   `json:"description"`
	Steps              []string `json:"steps"`
	Commands           []string `json:"commands"`
	Confidence         float64  `json:"confidence"`
	Rationale          string   `json:"rationale"`
	EstimatedTime      string   `json:"estimatedTime"`
	NeedsClarification string   `json:"needsClarification,omitempty"`
}

// FixGenerator produces fix candidates from a prompt. The production
// implementation talks to Gemini; tests substitute stubs.
type FixGenerator interface {
	GenerateFix(ctx context.Context, prompt string) (*GeneratedFix, error)
	CheckHealth(ctx context.Context) error
}

// LLMAPICall records one request to the model for debugging.
type LLMAPICall struct {
	Timestamp  time.Time     `json:"timestamp"`
	CallType   string        `json:"callType"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	PromptSize int           `json:"promptSize"`
}

// LLMService is the Gemini-backed FixGenerator.
type LLMService struct {
	baseURL    string
	model      string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	client     *http.Client

	// API call tracking
	apiCalls  []LLMAPICall
	callMutex sync.RWMutex
}

func NewLLMService() *LLMService {
	baseURL := os.Getenv("GEMINI_BASE_URL")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = "gemini-1.5-flash"
	}
	timeout := 60 * time.Second
	if raw := os.Getenv("LLM_TIMEOUT_SECONDS"); raw != "" {
		if parsed, err := time.ParseDuration(raw + "s"); err == nil {
			timeout = parsed
		}
	}

	return &LLMService{
		baseURL:    baseURL,
		model:      model,
		apiKey:     os.Getenv("GEMINI_API_KEY"),
		timeout:    timeout,
		maxRetries: 2,
		client:     &http.Client{Timeout: timeout + 10*time.Second},
		apiCalls:   make([]LLMAPICall, 0),
	}
}

// TrackAPICall records an API call for debugging purposes
func (s *LLMService) TrackAPICall(call LLMAPICall) {
	s.callMutex.Lock()
	defer s.callMutex.Unlock()

	s.apiCalls = append(s.apiCalls, call)
	// Keep only the last 100 calls to prevent memory bloat
	if len(s.apiCalls) > 100 {
		s.apiCalls = s.apiCalls[len(s.apiCalls)-100:]
	}
}

// GetAPICalls returns the recorded API calls, newest last.
func (s *LLMService) GetAPICalls() []LLMAPICall {
	s.callMutex.RLock()
	defer s.callMutex.RUnlock()

	calls := make([]LLMAPICall, len(s.apiCalls))
	copy(calls, s.apiCalls)
	return calls
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
	Config   *geminiConfig   `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateFix asks the model for a structured fix proposal. Transient
// failures are retried with backoff; exhausted retries surface as
// ErrExternalUnavailable.
func (s *LLMService) GenerateFix(ctx context.Context, prompt string) (*GeneratedFix, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 2 * time.Second
			logger.WithLLM(nil, "generate_fix").Warnf("Retrying LLM call in %v (attempt %d/%d)", backoff, attempt+1, s.maxRetries+1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()
		raw, err := s.callModel(ctx, prompt)
		s.TrackAPICall(LLMAPICall{
			Timestamp:  start,
			CallType:   "generate_fix",
			Duration:   time.Since(start),
			Success:    err == nil,
			Error:      errString(err),
			PromptSize: len(prompt),
		})
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		fix, err := parseGeneratedFix(raw)
		if err != nil {
			lastErr = err
			continue
		}
		return fix, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrExternalUnavailable, lastErr)
}

func (s *LLMService) callModel(ctx context.Context, prompt string) (string, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		Config: &geminiConfig{
			Temperature:     0.2,
			MaxOutputTokens: 2048,
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", s.baseURL, s.model, s.apiKey)
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, "POST", url, bytes.NewBuffer(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("LLM request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("LLM returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("LLM error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("LLM returned no candidates")
	}

	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String(), nil
}

// CheckHealth verifies the model endpoint is reachable.
func (s *LLMService) CheckHealth(ctx context.Context) error {
	if s.apiKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY not configured", ErrExternalUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v1beta/models/%s?key=%s", s.baseURL, s.model, s.apiKey)
	req, err := http.NewRequestWithContext(callCtx, "GET", url, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExternalUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: model endpoint returned status %d", ErrExternalUnavailable, resp.StatusCode)
	}
	return nil
}

// parseGeneratedFix extracts the structured fix from model output, which
// often arrives wrapped in markdown code fences.
func parseGeneratedFix(raw string) (*GeneratedFix, error) {
	cleaned := extractJSONFromResponse(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("no JSON object in model response")
	}

	var fix GeneratedFix
	if err := json.Unmarshal([]byte(cleaned), &fix); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}

	fix.Confidence = clamp(fix.Confidence, 0, 1)
	return &fix, nil
}

// extractJSONFromResponse strips markdown fences and leading prose so the
// remainder starts with a JSON object.
func extractJSONFromResponse(response string) string {
	cleaned := strings.TrimSpace(response)

	if strings.Contains(cleaned, "```json") {
		start := strings.Index(cleaned, "```json") + 7
		end := strings.Index(cleaned[start:], "```")
		if end > 0 {
			cleaned = cleaned[start : start+end]
		} else {
			cleaned = cleaned[start:]
		}
	} else if strings.Contains(cleaned, "```") {
		start := strings.Index(cleaned, "```") + 3
		end := strings.Index(cleaned[start:], "```")
		if end > 0 {
			cleaned = cleaned[start : start+end]
		} else {
			cleaned = cleaned[start:]
		}
	}

	cleaned = strings.TrimSpace(cleaned)
	if idx := strings.IndexByte(cleaned, '{'); idx > 0 {
		cleaned = cleaned[idx:]
	}
	if !strings.HasPrefix(cleaned, "{") {
		return ""
	}
	if idx := strings.LastIndexByte(cleaned, '}'); idx >= 0 {
		cleaned = cleaned[:idx+1]
	}
	return cleaned
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
