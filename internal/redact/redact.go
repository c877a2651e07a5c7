// Package redact names the PII redaction collaborator consulted before any
// message content reaches a log line or the mission trace.
package redact

import "regexp"

// Redactor scrubs sensitive content from a params summary.
type Redactor interface {
	Redact(s string) string
}

// None performs no redaction.
type None struct{}

func (None) Redact(s string) string { return s }

// Basic masks obvious email addresses and long digit runs (card/phone
// shaped). The real redactor is pluggable; this is the shipped default.
type Basic struct{}

var (
	emailRe  = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.]+`)
	digitsRe = regexp.MustCompile(`\d{9,}`)
)

func (Basic) Redact(s string) string {
	s = emailRe.ReplaceAllString(s, "[email]")
	s = digitsRe.ReplaceAllString(s, "[number]")
	return s
}
