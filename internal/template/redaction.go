package template

import (
	"errors"
	"strings"

	"github.com/gxo-labs/flowcore/internal/secrets"
)

// RedactTrackedSecrets returns a copy of data in which every tracked secret
// embedded in a string is replaced by secrets.RedactedPlaceholder, plus
// whether anything was replaced. The input is never modified.
func RedactTrackedSecrets(data interface{}, tracker *secrets.SecretTracker) (interface{}, bool) {
	if data == nil || tracker == nil || tracker.Len() == 0 {
		return data, false
	}
	return redactRecursive(data, tracker)
}

func redactRecursive(data interface{}, tracker *secrets.SecretTracker) (interface{}, bool) {
	switch v := data.(type) {
	case string:
		return tracker.Redact(v)
	case []string:
		if v == nil {
			return v, false
		}
		changed := false
		out := make([]string, len(v))
		for i, s := range v {
			var c bool
			out[i], c = tracker.Redact(s)
			changed = changed || c
		}
		return out, changed
	case map[string]string:
		if v == nil {
			return v, false
		}
		changed := false
		out := make(map[string]string, len(v))
		for k, s := range v {
			var c bool
			out[k], c = tracker.Redact(s)
			changed = changed || c
		}
		return out, changed
	case map[string]interface{}:
		if v == nil {
			return v, false
		}
		changed := false
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			var c bool
			out[k], c = redactRecursive(val, tracker)
			changed = changed || c
		}
		return out, changed
	case []interface{}:
		if v == nil {
			return v, false
		}
		changed := false
		out := make([]interface{}, len(v))
		for i, val := range v {
			var c bool
			out[i], c = redactRecursive(val, tracker)
			changed = changed || c
		}
		return out, changed
	default:
		return data, false
	}
}

// RedactSecretsInString blanks whatever follows a sensitive keyword on each
// line, e.g. "password=x" becomes "password=[REDACTED]". keywords must be
// lower case.
func RedactSecretsInString(input string, keywords map[string]struct{}) string {
	if len(keywords) == 0 || input == "" {
		return input
	}

	redacted := false
	lines := strings.Split(input, "\n")
	for i, line := range lines {
		lowerLine := strings.ToLower(line)
		for keyword := range keywords {
			idx := strings.Index(lowerLine, keyword)
			if idx == -1 {
				continue
			}
			start := idx + len(keyword)
			for start < len(line) && strings.ContainsAny(string(line[start]), ":= '\"") {
				start++
			}
			if start < len(line) {
				lines[i] = line[:start] + secrets.RedactedPlaceholder
				redacted = true
				break
			}
		}
	}
	if !redacted {
		return input
	}
	return strings.Join(lines, "\n")
}

// RedactSecretsInError returns err unchanged when its message holds no
// keyword, otherwise a plain error carrying the redacted message.
func RedactSecretsInError(err error, keywords map[string]struct{}) error {
	if err == nil || len(keywords) == 0 {
		return err
	}
	msg := err.Error()
	if redacted := RedactSecretsInString(msg, keywords); redacted != msg {
		return errors.New(redacted)
	}
	return err
}
