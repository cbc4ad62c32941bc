package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// completer is the minimal surface the model backends provide.
type completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// modelCapability implements Capability by prompting a completer for
// JSON and parsing its output.
type modelCapability struct {
	c completer
}

const extractSystem = `You extract structured facts from workplace statements.
Respond with a JSON array only, no prose. Each element:
{"content": "<restated fact>", "entityType": "", "entityName": "", "attribute": "", "value": "", "category": "", "confidence": 0.9, "sourceQuote": "<verbatim span>"}
Leave entityName/attribute/value empty when the statement has no clear entity-attribute-value structure.`

func (m *modelCapability) Extract(ctx context.Context, statement string) ([]ExtractedFact, error) {
	out, err := m.c.Complete(ctx, extractSystem, statement)
	if err != nil {
		return nil, err
	}

	var facts []ExtractedFact
	if err := json.Unmarshal([]byte(extractJSON(out)), &facts); err != nil {
		return nil, fmt.Errorf("%w: unparseable extraction response: %v", ErrUnavailable, err)
	}
	for i := range facts {
		if facts[i].Confidence <= 0 || facts[i].Confidence > 1 {
			facts[i].Confidence = 0.5
		}
		if facts[i].Content == "" {
			facts[i].Content = statement
		}
	}
	return facts, nil
}

const answerSystem = `You answer questions using only the provided facts.
Respond with a JSON object only:
{"answer": "<answer, or an honest statement that the facts do not cover this>", "confidence": 0.0-1.0, "followups": ["<optional clarifying question>"]}
Confidence reflects how completely the facts support the answer.`

func (m *modelCapability) Answer(ctx context.Context, question string, facts []string) (*AskResult, error) {
	var b strings.Builder
	b.WriteString("Facts:\n")
	if len(facts) == 0 {
		b.WriteString("(none)\n")
	}
	for _, f := range facts {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)

	out, err := m.c.Complete(ctx, answerSystem, b.String())
	if err != nil {
		return nil, err
	}

	var result AskResult
	if err := json.Unmarshal([]byte(extractJSON(out)), &result); err != nil {
		return nil, fmt.Errorf("%w: unparseable answer response: %v", ErrUnavailable, err)
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	return &result, nil
}

func (m *modelCapability) FollowUp(ctx context.Context, question, answer string) (string, error) {
	prompt := fmt.Sprintf(
		"A teammate answered a question. Write exactly one short follow-up question that would deepen the team's knowledge. Output the question only.\n\nQ: %s\nA: %s",
		question, answer)
	out, err := m.c.Complete(ctx, "", prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (m *modelCapability) ObjectiveQuestion(ctx context.Context, title, description string, prior []QA) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Research objective: %s\n%s\n\n", title, description)
	if len(prior) > 0 {
		b.WriteString("Already asked:\n")
		for _, qa := range prior {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", qa.Question, qa.Answer)
		}
	}
	b.WriteString("\nWrite the single next question to ask the team. Do not repeat a prior question. Output the question only.")

	out, err := m.c.Complete(ctx, "", b.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (m *modelCapability) Summarize(ctx context.Context, text string) (string, error) {
	out, err := m.c.Complete(ctx, "", "Summarize in at most two sentences:\n\n"+text)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// extractJSON pulls the first JSON value out of a model response that
// may wrap it in code fences or prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	s = strings.TrimSpace(s)

	objStart := strings.IndexByte(s, '{')
	arrStart := strings.IndexByte(s, '[')

	start, closeByte := objStart, byte('}')
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		start, closeByte = arrStart, ']'
	}
	if start < 0 {
		return s
	}
	if end := strings.LastIndexByte(s, closeByte); end > start {
		return s[start : end+1]
	}
	return s
}
