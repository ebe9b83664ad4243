package logging

import (
	"regexp"
)

const (
	// MaxQueryLogLength is the maximum length of a query to log
	MaxQueryLogLength = 200
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// password=xxx, pwd=xxx, pass=xxx up to the next delimiter
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// user:pass@host in URLs
	connStringPattern = regexp.MustCompile(`://[^:/@\s]+:[^@\s]+@`)

	// user:pass@tcp(host) in MySQL DSNs
	mysqlDSNPattern = regexp.MustCompile(`^([^:/@\s]+):[^@\s]+@`)
)

// SanitizeConnectionString removes credentials from a DSN or URL before it is logged.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@")
	sanitized = mysqlDSNPattern.ReplaceAllString(sanitized, "${1}:"+RedactedText+"@")
	return sanitized
}

// SanitizeError scrubs credentials from an error message.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeConnectionString(err.Error())
}

// SanitizeQuery truncates a SQL statement for logging. Bound values are never
// part of the statement text, so only inline credentials are redacted.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	sanitized := query
	if len(sanitized) > MaxQueryLogLength {
		sanitized = sanitized[:MaxQueryLogLength] + "..."
	}
	return passwordPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
}
