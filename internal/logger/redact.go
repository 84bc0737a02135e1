package logger

import (
	"io"
	"regexp"
)

// RedactWriter masks credentials before they reach the log sink.
type RedactWriter struct {
	w          io.Writer
	patterns   []*regexp.Regexp
	redactWith string
}

// Every pattern has exactly one capture group: the part that is kept.
var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.~+/=]+`),
	regexp.MustCompile(`(?i)(admin[_-]?api[_-]?key["'\s:=]+)[^"'\s,}]+`),
	regexp.MustCompile(`(?i)(api[_-]?key["'\s:=]+)[A-Za-z0-9\-_]{8,}`),
	regexp.MustCompile(`(?i)(password["'\s:=]+)[^"'\s,}]+`),
	regexp.MustCompile(`(?i)(postgres://[^:/\s]+:)[^@\s]+`),
	regexp.MustCompile(`(?i)(mongodb(?:\+srv)?://[^:/\s]+:)[^@\s]+`),
}

func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:          w,
		patterns:   defaultPatterns,
		redactWith: "[REDACTED]",
	}
}

// Write reports len(p) on success even when redaction changed the byte count,
// so zerolog does not treat the line as a short write.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	repl := []byte("${1}" + r.redactWith)
	for _, re := range r.patterns {
		sanitized = re.ReplaceAll(sanitized, repl)
	}
	n, err := r.w.Write(sanitized)
	if err != nil {
		if n > len(p) {
			n = len(p)
		}
		return n, err
	}
	return len(p), nil
}
