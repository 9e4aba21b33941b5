package logging

import (
	"io"
	"regexp"
)

// secretPatterns match credential material that must never reach a log
// line: provider API keys by their prefixes, and generic key=value pairs.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{16,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`tvly-[A-Za-z0-9_-]{16,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|bearer|password)([=:]\s*)["']?[^\s"',}]+`),
}

// MaskSecrets replaces credential material in s with a redaction marker.
func MaskSecrets(s string) string {
	for i, re := range secretPatterns {
		if i == len(secretPatterns)-1 {
			s = re.ReplaceAllString(s, "$1$2[REDACTED]")
			continue
		}
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// maskWriter redacts secrets from every log line before passing it on.
type maskWriter struct {
	next io.Writer
}

func (w maskWriter) Write(p []byte) (int, error) {
	masked := MaskSecrets(string(p))
	if _, err := w.next.Write([]byte(masked)); err != nil {
		return 0, err
	}
	// Report the original length so zerolog never sees a short write.
	return len(p), nil
}
