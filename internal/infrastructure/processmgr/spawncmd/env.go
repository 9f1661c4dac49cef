package spawncmd

import (
	"os"
	"strings"
)

// credentialPrefixes names fragments of environment variable names stripped
// from the inherited environment before a child is spawned: a variable is
// dropped when its upper-cased name contains any of them, at the start or
// anywhere else (spec.md §6: "inherited environment stripped of
// credentials").
var credentialPrefixes = []string{
	"AWS_", "AZURE_", "GCP_", "GOOGLE_",
	"OPENAI_", "ANTHROPIC_", "TELEGRAM_",
	"REDIS_", "DATABASE_", "DB_",
	"SECRET", "TOKEN", "PASSWORD", "APIKEY", "API_KEY", "PRIVATE_KEY",
}

// RestrictedEnv returns a copy of the parent's environment with any
// variable whose name contains a credentialPrefixes entry removed, plus
// ENV=prod appended
// (the orchestrator's own environment variables, like its Redis and
// Telegram credentials, must never leak into a spawned OpenCode process).
func RestrictedEnv() []string {
	parent := os.Environ()
	out := make([]string, 0, len(parent)+1)

	for _, kv := range parent {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(name)
		if hasCredentialPrefix(upper) {
			continue
		}
		out = append(out, kv)
	}

	return append(out, "ENV=prod")
}

func hasCredentialPrefix(name string) bool {
	for _, prefix := range credentialPrefixes {
		if strings.HasPrefix(name, prefix) || strings.Contains(name, prefix) {
			return true
		}
	}
	return false
}
