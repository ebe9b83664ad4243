package schema

import (
	"fmt"
	"strings"
)

// misspelledDefaults maps frequent typos in default(...) expressions to the
// portable spelling accepted by every dialect.
var misspelledDefaults = [][2]string{
	{"CURRENT TIMESTAMP", "CURRENT_TIMESTAMP"},
	{"CURRENT TIME", "CURRENT_TIME"},
	{"CURRENT DATE", "CURRENT_DATE"},
	{"NOW ()", "NOW()"},
}

var defaultKeywords = map[string]bool{
	"NULL": true, "TRUE": true, "FALSE": true,
	"CURRENT_TIMESTAMP": true, "CURRENT_TIME": true, "CURRENT_DATE": true,
	"LOCALTIMESTAMP": true, "LOCALTIME": true,
}

// ValidateDefaultValue checks that a default(...) expression is plausible SQL.
// The error message suggests a fix when a common mistake is detected.
func ValidateDefaultValue(defaultVal string) error {
	trimmed := strings.TrimSpace(defaultVal)
	if trimmed == "" {
		return fmt.Errorf("invalid DEFAULT value: empty expression")
	}
	upper := strings.ToUpper(trimmed)

	for _, pair := range misspelledDefaults {
		mistake, correct := pair[0], pair[1]
		if strings.Contains(upper, mistake) {
			return fmt.Errorf("invalid DEFAULT value: '%s' contains '%s'; use '%s'", defaultVal, mistake, correct)
		}
	}

	if strings.Count(trimmed, "'")%2 != 0 {
		return fmt.Errorf("invalid DEFAULT value: '%s' has an unterminated string literal", defaultVal)
	}
	if strings.Count(trimmed, "(") != strings.Count(trimmed, ")") {
		return fmt.Errorf("invalid DEFAULT value: '%s' has unbalanced parentheses", defaultVal)
	}

	// Function names without parentheses, e.g. default(now).
	if !defaultKeywords[upper] && !strings.ContainsAny(trimmed, "('") && !isNumeric(trimmed) {
		lower := strings.ToLower(trimmed)
		for _, fn := range []string{"now", "random", "uuid", "generate"} {
			if strings.Contains(lower, fn) {
				return fmt.Errorf("invalid DEFAULT value: '%s' looks like a function call without (); use default(%s())", defaultVal, trimmed)
			}
		}
	}
	return nil
}

// isNumeric checks if a string is a valid number
func isNumeric(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i, c := range s {
		if i == 0 && (c == '-' || c == '+') {
			continue
		}
		if c == '.' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
