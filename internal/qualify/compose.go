package qualify

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

var placeholder = regexp.MustCompile(`\{([^{}\s]+)\}`)

// Compose substitutes {key} placeholders with collected answers. Keys match
// case-insensitively; placeholders without an answer are left as written.
func Compose(template string, answers map[string]string) string {
	if template == "" || len(answers) == 0 {
		return template
	}
	fold := cases.Fold()
	folded := make(map[string]string, len(answers))
	for k, v := range answers {
		folded[fold.String(k)] = v
	}
	return placeholder.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		if v, ok := folded[fold.String(key)]; ok {
			return v
		}
		return match
	})
}

// JoinMessages joins the non-empty parts with a blank line, in order.
func JoinMessages(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// Reply builds the outbound text after an accepted answer: the step's
// confirmation followed by the next prompt, both with answers substituted.
func Reply(confirmation *string, next string, answers map[string]string) string {
	var conf string
	if confirmation != nil {
		conf = Compose(*confirmation, answers)
	}
	return JoinMessages(conf, Compose(next, answers))
}
