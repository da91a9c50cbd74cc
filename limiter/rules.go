package limiter

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ParseRule parses the flag form of a rate rule:
//
//	<id>:<track-by>:<max>/<window>
//
// for example "doc-writes:user-document:120/1m".
func ParseRule(s string) (Rule, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Rule{}, errors.Errorf("rule %q: want <id>:<track-by>:<max>/<window>", s)
	}
	var rule Rule
	rule.ID = parts[0]
	if rule.ID == "" {
		return Rule{}, errors.Errorf("rule %q: empty id", s)
	}
	switch TrackBy(parts[1]) {
	case TrackUser, TrackDocument, TrackUserDocument:
		rule.TrackBy = TrackBy(parts[1])
	default:
		return Rule{}, errors.Errorf("rule %q: unknown track-by %q", s, parts[1])
	}
	quota := strings.SplitN(parts[2], "/", 2)
	if len(quota) != 2 {
		return Rule{}, errors.Errorf("rule %q: want <max>/<window>", s)
	}
	max, err := strconv.ParseInt(quota[0], 10, 64)
	if err != nil || max <= 0 {
		return Rule{}, errors.Errorf("rule %q: bad message cap %q", s, quota[0])
	}
	rule.MaxMessages = max
	window, err := time.ParseDuration(quota[1])
	if err != nil || window <= 0 {
		return Rule{}, errors.Errorf("rule %q: bad window %q", s, quota[1])
	}
	rule.Window = window
	return rule, nil
}

// ParseRules parses a list of flag-form rules.
func ParseRules(specs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		rule, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
