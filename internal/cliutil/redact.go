package cliutil

import (
	"regexp"
)

const redactedPlaceholder = "[redacted]"

// Services carry arbitrary user-defined environment, so redaction matches by
// name shape rather than a fixed key list: any assignment whose key ends in a
// secret-bearing suffix is masked, as is any unresolved ${VAR} reference.
var (
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
	secretAssignment   = regexp.MustCompile(`(?i)\b(\w*(?:password|passwd|secret|token|api_key|access_key(?:_id)?|credentials?))\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
)

// RedactSecrets masks secret-looking values in the supplied string before it
// reaches user-facing output: ${VAR} template references and assignments to
// keys with a secret-bearing suffix are replaced with a [redacted] marker.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	redacted := templateVarPattern.ReplaceAllStringFunc(message, func(string) string {
		return "${" + redactedPlaceholder + "}"
	})
	return secretAssignment.ReplaceAllString(redacted, "$1$2$3"+redactedPlaceholder+"$5")
}
