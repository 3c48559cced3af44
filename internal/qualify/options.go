package qualify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Option is one numbered entry of a menu embedded in a question.
type Option struct {
	Number int
	Label  string
}

// optionLine matches "<number> - <label>", tolerating WhatsApp emphasis markers
// around the number ("*1* - Sábado") and the usual separators. A dot directly
// followed by a digit is a decimal ("1.5 horas", "10.000"), not a menu entry.
var optionLine = regexp.MustCompile(`^\s*[*_~]*\s*(\d{1,3})\s*[*_~]*\s*(?:(?:-|–|—|\))\s*(.+?)|\.(\D.*?))\s*$`)

const emphasisChars = "*_~ "

// ExtractOptions scans text line by line for numbered menu entries and returns
// them in source order. It returns nil when no line looks like a menu entry.
func ExtractOptions(text string) []Option {
	var opts []Option
	for _, line := range strings.Split(text, "\n") {
		m := optionLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		label := m[2]
		if label == "" {
			label = m[3]
		}
		label = strings.Trim(label, emphasisChars)
		if label == "" {
			continue
		}
		opts = append(opts, Option{Number: n, Label: label})
	}
	return opts
}

// lookupOption returns the option carrying number n.
func lookupOption(opts []Option, n int) (Option, bool) {
	for _, o := range opts {
		if o.Number == n {
			return o, true
		}
	}
	return Option{}, false
}

// FormatOptions renders options back into "<n> - <label>" lines.
func FormatOptions(opts []Option) string {
	lines := make([]string, 0, len(opts))
	for _, o := range opts {
		lines = append(lines, fmt.Sprintf("%d - %s", o.Number, o.Label))
	}
	return strings.Join(lines, "\n")
}
