package broker

import "strings"

// MatchSubject reports whether subject matches a filter pattern. "*"
// matches exactly one token, ">" matches one or more trailing tokens.
func MatchSubject(subject, pattern string) bool {
	if pattern == ">" {
		return true
	}
	subjectTokens := strings.Split(subject, ".")
	patternTokens := strings.Split(pattern, ".")

	for i, token := range patternTokens {
		if token == ">" {
			return len(subjectTokens) > i
		}
		if i >= len(subjectTokens) {
			return false
		}
		if token != "*" && token != subjectTokens[i] {
			return false
		}
	}
	return len(subjectTokens) == len(patternTokens)
}

// NormalizeStreamSubjects removes subjects already covered by a sibling
// "prefix.>" wildcard in the same list. The result is always a subset of
// the input and preserves input order.
func NormalizeStreamSubjects(subjects []string) []string {
	type entry struct {
		subject    string
		tokens     []string
		tailPrefix []string
	}
	entries := make([]entry, 0, len(subjects))
	for _, subject := range subjects {
		tokens := strings.Split(subject, ".")
		var tail []string
		if len(tokens) > 0 && tokens[len(tokens)-1] == ">" {
			tail = tokens[:len(tokens)-1]
		}
		entries = append(entries, entry{subject: subject, tokens: tokens, tailPrefix: tail})
	}

	normalized := make([]string, 0, len(entries))
	for i, e := range entries {
		covered := false
		for j, other := range entries {
			if i == j || other.tailPrefix == nil {
				continue
			}
			if len(e.tokens) < len(other.tailPrefix) {
				continue
			}
			match := true
			for k, token := range other.tailPrefix {
				if e.tokens[k] != token {
					match = false
					break
				}
			}
			if match {
				covered = true
				break
			}
		}
		if !covered {
			normalized = append(normalized, e.subject)
		}
	}
	return normalized
}
