package qualify

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Result is the outcome of validating one answer.
type Result struct {
	Valid bool
	// Value is the canonical answer when Valid.
	Value string
	// Retry is the re-prompt text when not Valid.
	Retry string
}

var (
	bareInteger = regexp.MustCompile(`^\d+$`)
	namePattern = regexp.MustCompile(`^[\p{L}\p{M}\s'’-]+$`)
)

const (
	retryName = "Por favor, me diga um nome válido (apenas letras, com pelo menos 2 caracteres)."
	retryMenu = "Não entendi sua resposta. 🤔 Responda apenas com o número de uma das opções:"
)

// Validator validates answers per step. Its fallback option sets are fixed at
// construction.
type Validator struct {
	defaults map[string][]Option
}

// NewValidator creates a Validator. A nil defaults map means DefaultOptions().
func NewValidator(defaults map[string][]Option) *Validator {
	if defaults == nil {
		defaults = DefaultOptions()
	}
	return &Validator{defaults: defaults}
}

// IsNameStep reports whether the step collects a person's name.
func IsNameStep(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case k == "nome", k == "name":
		return true
	case strings.HasPrefix(k, "nome_"), strings.HasPrefix(k, "name_"):
		return true
	}
	return false
}

// OptionsFor returns the menu for a step: options embedded in the question
// text first, then the compiled default set for the step key.
func (v *Validator) OptionsFor(step Step) []Option {
	if opts := ExtractOptions(step.Question); len(opts) > 0 {
		return opts
	}
	return v.defaults[step.Key]
}

// Validate checks input against the step. Unknown steps accept any input.
func (v *Validator) Validate(step Step, input string) Result {
	if IsNameStep(step.Key) {
		return validateName(input)
	}
	if opts := v.OptionsFor(step); len(opts) > 0 {
		return validateChoice(opts, input)
	}
	return Result{Valid: true, Value: strings.TrimSpace(input)}
}

func validateName(input string) Result {
	name := strings.TrimSpace(norm.NFC.String(input))
	name = strings.Join(strings.Fields(name), " ")
	if utf8.RuneCountInString(name) < 2 || !namePattern.MatchString(name) {
		return Result{Retry: retryName}
	}
	return Result{Valid: true, Value: name}
}

func validateChoice(opts []Option, input string) Result {
	answer := strings.TrimSpace(input)
	if bareInteger.MatchString(answer) {
		if n, err := strconv.Atoi(answer); err == nil {
			if opt, ok := lookupOption(opts, n); ok {
				return Result{Valid: true, Value: opt.Label}
			}
		}
	}
	return Result{Retry: retryMenu + "\n\n" + FormatOptions(opts)}
}
