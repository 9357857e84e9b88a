package transport

import "regexp"

// pemBlock matches a full PEM block (e.g. "-----BEGIN OPENSSH PRIVATE
// KEY----- ... -----END OPENSSH PRIVATE KEY-----"), used to redact private
// key material from command text before it is persisted to the command
// log, per spec.md §7's masking requirement.
var pemBlock = regexp.MustCompile(`(?s)-----BEGIN [A-Z0-9 ]+-----.*?-----END [A-Z0-9 ]+-----`)

// Mask replaces any PEM block found in s with a redaction marker.
func Mask(s string) string {
	return pemBlock.ReplaceAllString(s, "-----BEGIN [redacted]----- [redacted] -----END [redacted]-----")
}
