// Package extract isolates the answer substring from verbose agent output
// before it is handed to a matcher. Every strategy is a total function:
// when nothing matches, the raw input is returned unchanged.
package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// Strategy identifies an extraction strategy.
type Strategy string

const (
	StrategyRegex       Strategy = "regex"
	StrategyDelimiter   Strategy = "delimiter"
	StrategyLastLine    Strategy = "last-line"
	StrategyChoiceIndex Strategy = "choice-index"
)

// Config describes one extraction strategy. Fields are interpreted
// according to Strategy; unused fields are ignored.
type Config struct {
	Strategy Strategy `json:"strategy" bson:"strategy"`

	// regex
	Pattern string `json:"pattern,omitempty" bson:"pattern,omitempty"`
	Group   int    `json:"group,omitempty" bson:"group,omitempty"`

	// delimiter
	Delimiter string `json:"delimiter,omitempty" bson:"delimiter,omitempty"`
	Position  string `json:"position,omitempty" bson:"position,omitempty"` // "first" or "last"

	// last-line
	NoTrim bool `json:"noTrim,omitempty" bson:"no_trim,omitempty"`

	// choice-index
	Labels []string `json:"labels,omitempty" bson:"labels,omitempty"`
}

var defaultChoiceLabels = []string{"A", "B", "C", "D"}

// Extract applies the configured strategy to raw agent output. It never
// panics; a miss of any kind yields the input unchanged.
func Extract(raw string, cfg Config) string {
	switch cfg.Strategy {
	case StrategyRegex:
		return extractRegex(raw, cfg.Pattern, cfg.Group)
	case StrategyDelimiter:
		return extractDelimiter(raw, cfg.Delimiter, cfg.Position)
	case StrategyLastLine:
		return extractLastLine(raw, !cfg.NoTrim)
	case StrategyChoiceIndex:
		return extractChoiceIndex(raw, cfg.Labels, cfg.Pattern)
	}
	return raw
}

func extractRegex(raw, pattern string, group int) string {
	if pattern == "" {
		return raw
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return raw
	}

	if group <= 0 {
		group = 1
	}

	m := re.FindStringSubmatch(raw)
	if m == nil {
		return raw
	}

	if group < len(m) && m[group] != "" {
		return m[group]
	}

	return m[0]
}

func extractDelimiter(raw, delimiter, position string) string {
	if delimiter == "" || !strings.Contains(raw, delimiter) {
		return raw
	}

	if position == "first" {
		_, after, _ := strings.Cut(raw, delimiter)
		return strings.TrimSpace(after)
	}

	idx := strings.LastIndex(raw, delimiter)
	return strings.TrimSpace(raw[idx+len(delimiter):])
}

func extractLastLine(raw string, trim bool) string {
	lines := strings.Split(raw, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		if trim {
			return strings.TrimSpace(lines[i])
		}
		return lines[i]
	}
	return raw
}

// extractChoiceIndex scans for the last standalone occurrence of any label
// and returns its zero-based index as a string. The last occurrence wins
// because models tend to restate the answer at the end of their reasoning.
func extractChoiceIndex(raw string, labels []string, pattern string) string {
	if len(labels) == 0 {
		labels = defaultChoiceLabels
	}

	var re *regexp.Regexp
	if pattern != "" {
		var err error
		re, err = regexp.Compile("(?i)" + pattern)
		if err != nil {
			re = nil
		}
	}
	if re == nil {
		quoted := make([]string, len(labels))
		for i, l := range labels {
			quoted[i] = regexp.QuoteMeta(l)
		}
		re = regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	}

	matches := re.FindAllString(raw, -1)
	if len(matches) == 0 {
		return raw
	}

	last := matches[len(matches)-1]
	for i, l := range labels {
		if strings.EqualFold(strings.TrimSpace(last), l) {
			return strconv.Itoa(i)
		}
	}

	return raw
}
