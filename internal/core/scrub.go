package core

import "strings"

// Redacted replaces the value of every secret-shaped argument.
const Redacted = "[REDACTED]"

// Normalized (lowercase, no separators) key names that are always secret.
var secretExact = map[string]bool{
	"auth":          true,
	"authorization": true,
	"bearer":        true,
	"cookie":        true,
	"sessionkey":    true,
	"otp":           true,
}

// Normalized suffixes; "githubToken" and "db_password" both match.
var secretSuffixes = []string{
	"token",
	"password",
	"passwd",
	"passphrase",
	"secret",
	"apikey",
	"privatekey",
	"credential",
	"credentials",
	"pairingcode",
	"clientsecret",
	"accesskey",
}

// IsSecretKey reports whether an argument name looks like it holds a secret.
func IsSecretKey(key string) bool {
	norm := normalizeKey(key)
	if norm == "" {
		return false
	}
	if secretExact[norm] {
		return true
	}
	for _, s := range secretSuffixes {
		if strings.HasSuffix(norm, s) {
			return true
		}
	}
	return false
}

func normalizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		switch r {
		case '_', '-', ' ', '.':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ScrubArgs returns a deep copy of args with secret-shaped values redacted.
// The input is not modified.
func ScrubArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if IsSecretKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = scrubValue(v)
	}
	return out
}

func scrubValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return ScrubArgs(val)
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			if IsSecretKey(k) {
				out[k] = Redacted
			} else {
				out[k] = s
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = scrubValue(item)
		}
		return out
	default:
		return v
	}
}
