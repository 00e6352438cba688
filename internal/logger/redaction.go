package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor masks credentials before log lines reach any writer
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the default credential patterns
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Exchange API key header, as it would appear in a dumped request
			regexp.MustCompile(`(?i)X-MBX-APIKEY["\s:=]+[^\s",}]+`),

			// api_key fields in JSON bodies and key=value pairs
			regexp.MustCompile(`(?i)api_?key["\s:=]+[^\s",}]+`),

			// Exchange API keys (64 chars) and listen keys (60 chars)
			regexp.MustCompile(`\b[A-Za-z0-9]{64}\b`),
			regexp.MustCompile(`\b[A-Za-z0-9]{60}\b`),

			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// Telegram bot tokens
			regexp.MustCompile(`\d{8,10}:[a-zA-Z0-9_-]{30,}`),

			// Generic secrets
			regexp.MustCompile(`(?i)secret["\s:=]+[^\s"]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact masks every match of every pattern in s
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, redacted)
	}
	return result
}

// Wrap returns a writer that redacts before delegating to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write
// caused by the redacted line being shorter than the input.
func (w *redactingWriter) Write(p []byte) (int, error) {
	out := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(out)); err != nil {
		return 0, err
	}
	return len(p), nil
}
