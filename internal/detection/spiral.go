package detection

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/agentoverseer/overseer/internal/config"
)

// StagnationDetector flags reflections that report a lack of progress, either
// by keyword or because recent reflections keep saying the same thing.
type StagnationDetector struct {
	mu       sync.Mutex
	config   config.StagnationConfig
	keywords []string
	// taskID → recent reflection texts
	history map[string][]string
}

// NewStagnationDetector creates a new stagnation detector.
func NewStagnationDetector(cfg config.StagnationConfig) *StagnationDetector {
	kws := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kws = append(kws, k)
		}
	}
	return &StagnationDetector{
		config:   cfg,
		keywords: kws,
		history:  make(map[string][]string),
	}
}

// MatchKeyword returns the first stagnation keyword found in text.
func (d *StagnationDetector) MatchKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, k := range d.keywords {
		if strings.Contains(lower, k) {
			return k, true
		}
	}
	return "", false
}

// Check records a reflection and returns a stagnation event when it contains a
// keyword or completes a spiral of near-identical reflections.
func (d *StagnationDetector) Check(taskID, reflection string) *Event {
	if strings.TrimSpace(reflection) == "" {
		return nil
	}
	if kw, ok := d.MatchKeyword(reflection); ok {
		d.record(taskID, reflection)
		return &Event{
			Type:    "stagnation",
			TaskID:  taskID,
			Message: fmt.Sprintf("Reflection reports no progress (matched %q)", kw),
			Details: map[string]interface{}{"keyword": kw},
		}
	}
	return d.checkSpiral(taskID, reflection)
}

func (d *StagnationDetector) record(taskID, text string) {
	d.mu.Lock()
	d.history[taskID] = append(d.history[taskID], text)
	d.trimLocked(taskID)
	d.mu.Unlock()
}

func (d *StagnationDetector) checkSpiral(taskID, text string) *Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.history[taskID] = append(d.history[taskID], text)
	outputs := d.history[taskID]
	window := d.config.Window
	if window < 2 || len(outputs) < window {
		return nil
	}

	// Check last `window` reflections for high similarity
	recent := outputs[len(outputs)-window:]
	allSimilar := true
	avgSimilarity := 0.0
	comparisons := 0
	for i := 0; i < len(recent)-1; i++ {
		sim := cosineSimilarity(recent[i], recent[i+1])
		avgSimilarity += sim
		comparisons++
		if sim < d.config.SimilarityThreshold {
			allSimilar = false
		}
	}
	if comparisons > 0 {
		avgSimilarity /= float64(comparisons)
	}
	d.trimLocked(taskID)

	if !allSimilar {
		return nil
	}
	return &Event{
		Type:   "spiral",
		TaskID: taskID,
		Message: fmt.Sprintf("Reflection spiral: %d consecutive reflections with %.0f%% average similarity (threshold: %.0f%%)",
			window, avgSimilarity*100, d.config.SimilarityThreshold*100),
		Details: map[string]interface{}{
			"window":         window,
			"avg_similarity": avgSimilarity,
			"threshold":      d.config.SimilarityThreshold,
		},
	}
}

func (d *StagnationDetector) trimLocked(taskID string) {
	window := d.config.Window
	if window < 1 {
		window = 1
	}
	if outputs := d.history[taskID]; len(outputs) > window*3 {
		d.history[taskID] = append([]string(nil), outputs[len(outputs)-window*2:]...)
	}
}

// ResetTask clears state for a task.
func (d *StagnationDetector) ResetTask(taskID string) {
	d.mu.Lock()
	delete(d.history, taskID)
	d.mu.Unlock()
}

// cosineSimilarity computes a word-frequency cosine similarity.
func cosineSimilarity(a, b string) float64 {
	wordsA := tokenize(a)
	wordsB := tokenize(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	vocab := make(map[string]struct{})
	freqA := make(map[string]float64)
	freqB := make(map[string]float64)
	for _, w := range wordsA {
		vocab[w] = struct{}{}
		freqA[w]++
	}
	for _, w := range wordsB {
		vocab[w] = struct{}{}
		freqB[w]++
	}

	var dot, magA, magB float64
	for word := range vocab {
		x, y := freqA[word], freqB[word]
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// tokenize splits text into lowercase word tokens. Han characters have no
// spaces between words, so each one is its own token.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var result []string
	var cur strings.Builder
	flush := func() {
		if w := cur.String(); len([]rune(w)) > 1 {
			result = append(result, w)
		}
		cur.Reset()
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			result = append(result, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return result
}
