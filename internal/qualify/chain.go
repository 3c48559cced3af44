// Package qualify holds the deterministic qualification flow: the question
// chain, menu extraction, answer validation and reply composition. Nothing in
// this package performs I/O besides reading the tenant's question rows.
package qualify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"festa-bot/internal/repo"
)

// Terminal is the pseudo-step reached after the last question is answered.
const Terminal = "complete"

// Step is one node of the transition table.
type Step struct {
	Key          string
	Question     string
	Confirmation *string
	Next         string
}

// Chain is the per-instance transition table, built once per request.
type Chain struct {
	order    []string
	steps    map[string]Step
	defaults bool
}

// First returns the key of the first step, or Terminal for an empty chain.
func (c *Chain) First() string {
	if len(c.order) == 0 {
		return Terminal
	}
	return c.order[0]
}

// Step looks up a step by key.
func (c *Chain) Step(key string) (Step, bool) {
	s, ok := c.steps[key]
	return s, ok
}

// Next returns the key following key. Unknown keys yield "".
func (c *Chain) Next(key string) string {
	s, ok := c.steps[key]
	if !ok {
		return ""
	}
	return s.Next
}

// Keys returns step keys in chain order.
func (c *Chain) Keys() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of steps.
func (c *Chain) Len() int { return len(c.order) }

// FromDefaults reports whether the chain was built from compiled-in questions.
func (c *Chain) FromDefaults() bool { return c.defaults }

// QuestionSource loads a tenant's active questions.
type QuestionSource interface {
	ListActiveQuestions(ctx context.Context, instanceID string) ([]repo.BotQuestion, error)
}

// Resolver builds a Chain for an instance from its configuration or from the
// injected defaults.
type Resolver struct {
	source   QuestionSource
	defaults []QuestionDef
	logger   *slog.Logger
}

// NewResolver creates a Resolver. A nil defaults slice means DefaultQuestions().
func NewResolver(source QuestionSource, defaults []QuestionDef, logger *slog.Logger) *Resolver {
	if defaults == nil {
		defaults = DefaultQuestions()
	}
	return &Resolver{
		source:   source,
		defaults: defaults,
		logger:   logger.With("component", "chain_resolver"),
	}
}

// Resolve returns the instance's chain. An instance without usable questions
// gets the default chain.
func (r *Resolver) Resolve(ctx context.Context, instanceID string) (*Chain, error) {
	rows, err := r.source.ListActiveQuestions(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	chain := BuildChain(rows)
	if chain.Len() == 0 {
		r.logger.Debug("no questions configured, using defaults", "instance_id", instanceID)
		return DefaultChain(r.defaults), nil
	}
	return chain, nil
}

// BuildChain turns configured question rows into a Chain. Inactive rows, rows
// with a blank key and repeated keys are skipped.
func BuildChain(rows []repo.BotQuestion) *Chain {
	sorted := make([]repo.BotQuestion, 0, len(rows))
	for _, q := range rows {
		if q.Active {
			sorted = append(sorted, q)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SortOrder < sorted[j].SortOrder
	})

	c := &Chain{steps: make(map[string]Step, len(sorted))}
	for _, q := range sorted {
		key := strings.TrimSpace(q.StepKey)
		if key == "" || key == Terminal {
			continue
		}
		if _, dup := c.steps[key]; dup {
			continue
		}
		c.order = append(c.order, key)
		c.steps[key] = Step{
			Key:          key,
			Question:     q.QuestionText,
			Confirmation: nonBlank(q.ConfirmationText),
		}
	}
	c.link()
	return c
}

// DefaultChain builds a Chain from compiled-in definitions.
func DefaultChain(defs []QuestionDef) *Chain {
	c := &Chain{steps: make(map[string]Step, len(defs)), defaults: true}
	for _, d := range defs {
		if _, dup := c.steps[d.Key]; dup || d.Key == "" {
			continue
		}
		var confirmation *string
		if d.Confirmation != "" {
			text := d.Confirmation
			confirmation = &text
		}
		c.order = append(c.order, d.Key)
		c.steps[d.Key] = Step{Key: d.Key, Question: d.Question, Confirmation: confirmation}
	}
	c.link()
	return c
}

func (c *Chain) link() {
	for i, key := range c.order {
		s := c.steps[key]
		if i+1 < len(c.order) {
			s.Next = c.order[i+1]
		} else {
			s.Next = Terminal
		}
		c.steps[key] = s
	}
}

func nonBlank(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := *s
	return &v
}
