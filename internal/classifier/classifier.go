// Package classifier decides whether a conversation message contains a
// statement worth remembering. The engine treats this as an opaque
// collaborator: it receives a category/importance/keywords verdict and
// never depends on how the verdict was produced.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/recallhq/recall/internal/llm"
	"github.com/recallhq/recall/pkg/types"
)

// Verdict is the classifier's answer for one message.
type Verdict struct {
	// Worthy reports whether the message contains a memory-worthy statement.
	Worthy bool

	// Statement is the extracted fact or preference, rephrased as a short
	// standalone sentence. Empty when Worthy is false.
	Statement string

	// Category is the closed-enum category for the statement.
	Category types.Category

	// Importance is the estimated importance (0.0-1.0).
	Importance float64

	// Keywords are salient terms extracted from the statement.
	Keywords []string
}

// Classifier evaluates a single conversation message.
type Classifier interface {
	Classify(ctx context.Context, message string) (*Verdict, error)
}

// LLMClassifier implements Classifier over a text-generation provider
// using a strict JSON-only prompt.
type LLMClassifier struct {
	generator llm.TextGenerator
}

// NewLLMClassifier creates a classifier backed by the given text generator.
func NewLLMClassifier(generator llm.TextGenerator) *LLMClassifier {
	return &LLMClassifier{generator: generator}
}

// detectionPrompt builds a JSON-only prompt for memory detection.
// The structure mirrors what small local models reliably produce:
// flat object, fixed keys, closed category list.
func detectionPrompt(message string) string {
	return fmt.Sprintf(`TASK: Decide if the user message contains a personal fact or preference worth remembering long-term.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO backticks.

CATEGORIES (ONLY these 4):
- preference: likes, dislikes, habits
- personal_info: facts about the user (name, diet, family, health)
- context: ongoing situations or projects
- instruction: standing instructions for the assistant

REQUIRED JSON STRUCTURE:
{"worthy": true|false, "statement": "short standalone sentence", "category": "preference", "importance": 0.0-1.0, "keywords": ["word1", "word2"]}

If nothing is worth remembering: {"worthy": false}

MESSAGE:
%s`, message)
}

// verdictResponse is the raw JSON shape returned by the LLM.
type verdictResponse struct {
	Worthy     bool     `json:"worthy"`
	Statement  string   `json:"statement"`
	Category   string   `json:"category"`
	Importance float64  `json:"importance"`
	Keywords   []string `json:"keywords"`
}

// Classify runs the detection prompt and parses the verdict.
// A garbled or contract-violating response is treated as "not worthy"
// rather than an error: detection runs in the background and a missed
// memory is preferable to a poisoned one.
func (c *LLMClassifier) Classify(ctx context.Context, message string) (*Verdict, error) {
	if strings.TrimSpace(message) == "" {
		return &Verdict{Worthy: false}, nil
	}

	raw, err := c.generator.Complete(ctx, detectionPrompt(message))
	if err != nil {
		return nil, fmt.Errorf("classifier: completion failed: %w", err)
	}

	var resp verdictResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		log.Printf("classifier: unparseable verdict, treating as not worthy: %v", err)
		return &Verdict{Worthy: false}, nil
	}

	if !resp.Worthy {
		return &Verdict{Worthy: false}, nil
	}

	statement := strings.TrimSpace(resp.Statement)
	category := types.Category(resp.Category)
	if statement == "" || !category.Valid() {
		log.Printf("classifier: verdict violates contract (statement=%q category=%q), treating as not worthy",
			statement, resp.Category)
		return &Verdict{Worthy: false}, nil
	}
	if len([]rune(statement)) > types.MaxContentLength {
		statement = string([]rune(statement)[:types.MaxContentLength])
	}

	return &Verdict{
		Worthy:     true,
		Statement:  statement,
		Category:   category,
		Importance: clamp01(resp.Importance),
		Keywords:   resp.Keywords,
	}, nil
}

// extractJSON pulls the first JSON object out of a response that may be
// wrapped in markdown fences or surrounded by commentary. LLMs add both
// despite instructions.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return text // let the JSON parser produce the error
	}
	return text[start : end+1]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
