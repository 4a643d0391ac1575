package services

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cicd-fixer/backend/internal/logger"
)

// Prediction is the estimated likelihood that a proposed fix will resolve
// a failure, plus the factors that produced it.
type Prediction struct {
	Probability float64  `json:"probability"`
	Confidence  float64  `json:"confidence"`
	Factors     []string `json:"factors"`
}

// SuccessPredictor blends the historical success rate of an error type with
// a similarity prior over fixes that worked before. With few samples the
// estimate stays near neutral; as samples accumulate the historical rate
// dominates, so the output is monotone in that rate.
type SuccessPredictor struct {
	store *PatternStore

	// neutralSamples is the sample count at which history fully overrides
	// the prior.
	neutralSamples int
}

func NewSuccessPredictor(store *PatternStore) *SuccessPredictor {
	neutral := 10
	if raw := os.Getenv("PREDICTOR_SAMPLE_NORM"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			neutral = parsed
		}
	}
	return &SuccessPredictor{store: store, neutralSamples: neutral}
}

// Predict scores a proposed fix for a classified failure. Store errors
// degrade the estimate to the neutral prior instead of failing the call.
func (sp *SuccessPredictor) Predict(sig ErrorSignature, fixText string) *Prediction {
	stats, err := sp.store.TypeStats(sig.Type)
	if err != nil {
		logger.Warn("Type stats unavailable, predicting from prior only", map[string]interface{}{
			"error_type": sig.Type,
			"error":      err.Error(),
		})
		stats = &TypeStats{ErrorType: sig.Type}
	}

	weight := float64(stats.Samples) / float64(sp.neutralSamples)
	if weight > 1 {
		weight = 1
	}

	historical := 0.5
	if stats.Samples > 0 {
		historical = stats.SuccessRate
	}

	similarity := sp.fixSimilarity(sig.Type, fixText)
	prior := 0.5 + 0.2*(2*similarity-1) // [0.3, 0.7], centered on neutral

	probability := clamp(weight*historical+(1-weight)*prior, 0, 1)
	confidence := clamp(0.3+0.5*weight+0.2*similarity, 0, 1)

	factors := []string{
		fmt.Sprintf("historical success rate %.2f over %d samples", historical, stats.Samples),
		fmt.Sprintf("similarity to past successful fixes %.2f", similarity),
		fmt.Sprintf("severity %s", sig.Severity),
	}
	if stats.Samples < sp.neutralSamples {
		factors = append(factors, fmt.Sprintf("sparse history, estimate weighted %.0f%% toward neutral prior", (1-weight)*100))
	}

	prediction := &Prediction{
		Probability: probability,
		Confidence:  confidence,
		Factors:     factors,
	}

	if err := sp.store.RecordPrediction(sig, prediction); err != nil {
		logger.Warn("Failed to persist prediction", map[string]interface{}{
			"fingerprint": sig.Fingerprint[:12],
			"error":       err.Error(),
		})
	}

	return prediction
}

// fixSimilarity is the best token overlap between the proposed fix and
// fixes that previously worked for the same error type.
func (sp *SuccessPredictor) fixSimilarity(errorType ErrorType, fixText string) float64 {
	texts, err := sp.store.SuccessfulFixTexts(errorType, 20)
	if err != nil || len(texts) == 0 {
		return 0.5
	}

	best := 0.0
	proposed := tokenSet(fixText)
	for _, text := range texts {
		if score := jaccard(proposed, tokenSet(text)); score > best {
			best = score
		}
	}
	return best
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:()[]{}'\"`")
		if len(tok) > 2 {
			set[tok] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
