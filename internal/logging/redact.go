package logging

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[redacted]"

// secretKeyPattern matches KEY=value, --key=value and key: value
// assignments whose key looks like a credential.
var secretKeyPattern = regexp.MustCompile(`(?i)((?:^|[\s"'])-{0,2}[a-z0-9_.-]*(?:password|passwd|secret|token|api[_-]?key|access[_-]?key|credentials?))(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)

// RedactSecrets masks the values of credential-like assignments in s so
// command lines can be logged and surfaced over the API.
func RedactSecrets(s string) string {
	if s == "" || !strings.ContainsAny(s, "=:") {
		return s
	}
	return secretKeyPattern.ReplaceAllString(s, "$1$2$3"+redactedPlaceholder+"$5")
}

// RedactArgs applies RedactSecrets to each argument.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = RedactSecrets(arg)
	}
	return out
}
