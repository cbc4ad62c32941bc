package llm

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// HeuristicCapability is a deterministic, network-free capability.
//
// It covers the same interface as the model backends with pattern
// matching and token overlap. Identical input always yields identical
// output, which the Remember pipeline relies on for duplicate
// detection. It is the default when no API key is configured.
type HeuristicCapability struct{}

// NewHeuristic creates the deterministic capability.
func NewHeuristic() *HeuristicCapability {
	return &HeuristicCapability{}
}

var (
	// "Alice's deadline is Friday" / "The API's owner is Bob"
	possessivePattern = regexp.MustCompile(`(?i)^(?:our|the|my)?\s*(.+?)'s\s+(.+?)\s+(?:is|are|was|were)\s+(.+?)[.!]?$`)

	// "Our API rate limit is 100/min" / "The deploy window is Friday"
	copulaPattern = regexp.MustCompile(`(?i)^(?:our|the|my)?\s*(.+?)\s+(?:is|are|was|were)\s+(.+?)[.!]?$`)
)

// Extract parses assertions of the form "X is Y" and "X's Y is Z"
// into structured facts; anything else becomes one free-text fact.
func (h *HeuristicCapability) Extract(_ context.Context, statement string) ([]ExtractedFact, error) {
	statement = strings.TrimSpace(statement)
	if statement == "" {
		return nil, nil
	}

	if m := possessivePattern.FindStringSubmatch(statement); m != nil {
		return []ExtractedFact{{
			Content:     statement,
			EntityName:  strings.TrimSpace(m[1]),
			Attribute:   strings.ToLower(strings.TrimSpace(m[2])),
			Value:       strings.TrimSpace(m[3]),
			Confidence:  0.9,
			SourceQuote: statement,
		}}, nil
	}

	if m := copulaPattern.FindStringSubmatch(statement); m != nil {
		subject := strings.TrimSpace(m[1])
		value := strings.TrimSpace(m[2])

		// First token names the entity, the rest is the attribute:
		// "API rate limit" -> entity "API", attribute "rate limit".
		tokens := strings.Fields(subject)
		fact := ExtractedFact{
			Content:     statement,
			Value:       value,
			Confidence:  0.8,
			SourceQuote: statement,
		}
		if len(tokens) >= 2 {
			fact.EntityName = tokens[0]
			fact.Attribute = strings.ToLower(strings.Join(tokens[1:], " "))
		} else {
			fact.EntityName = subject
			fact.Attribute = "value"
		}
		return []ExtractedFact{fact}, nil
	}

	// Free-text fact, no structured key.
	return []ExtractedFact{{
		Content:     statement,
		Confidence:  0.6,
		SourceQuote: statement,
	}}, nil
}

// Answer scores facts by token overlap with the question and answers
// with the best match. Confidence is the overlap score, so unknown
// topics come back low and trigger escalation upstream.
func (h *HeuristicCapability) Answer(_ context.Context, question string, facts []string) (*AskResult, error) {
	qTokens := tokenSet(question)

	type scored struct {
		fact  string
		score float64
	}
	var ranked []scored
	for _, f := range facts {
		if s := overlapScore(qTokens, tokenSet(f)); s > 0 {
			ranked = append(ranked, scored{fact: f, score: s})
		}
	}
	if len(ranked) == 0 {
		return &AskResult{
			Answer:     "I don't have any recorded knowledge about that.",
			Confidence: 0,
		}, nil
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	best := ranked[0]
	result := &AskResult{
		Answer:     best.fact,
		Confidence: best.score,
	}
	for _, r := range ranked[1:] {
		if len(result.Followups) == 3 {
			break
		}
		result.Followups = append(result.Followups, "Is this related: "+r.fact+"?")
	}
	return result, nil
}

// FollowUp produces a fixed-form clarifying question.
func (h *HeuristicCapability) FollowUp(_ context.Context, question, answer string) (string, error) {
	return fmt.Sprintf("Can you add more detail or an example for: %q?", strings.TrimSpace(answer)), nil
}

// ObjectiveQuestion walks a fixed ladder of question forms so repeated
// calls under one objective do not repeat themselves.
func (h *HeuristicCapability) ObjectiveQuestion(_ context.Context, title, description string, prior []QA) (string, error) {
	forms := []string{
		"What should the team know about %s?",
		"What are the current constraints or limits around %s?",
		"Who owns decisions about %s?",
		"What recently changed about %s?",
		"What is most commonly misunderstood about %s?",
	}
	return fmt.Sprintf(forms[len(prior)%len(forms)], title), nil
}

// Summarize returns the first sentence.
func (h *HeuristicCapability) Summarize(_ context.Context, text string) (string, error) {
	return firstSentence(text), nil
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			return text[:i+1]
		}
	}
	return text
}

var tokenPattern = regexp.MustCompile(`[a-z0-9/]+`)

// stopwords excluded from overlap scoring.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "is": true,
	"of": true, "on": true, "or": true, "our": true, "the": true,
	"to": true, "what": true, "whats": true, "when": true, "where": true,
	"which": true, "who": true, "why": true, "how": true, "in": true,
	"for": true, "do": true, "does": true, "we": true, "it": true,
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(s), -1) {
		if !stopwords[tok] {
			set[tok] = true
		}
	}
	return set
}

// overlapScore is |A∩B| / |A| over non-stopword tokens of the query.
func overlapScore(query, candidate map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for tok := range query {
		if candidate[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}
