package heartbeat

import (
	"os"
	"regexp"
	"time"
)

// varPattern matches ${NAME} placeholders with environment-style names.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandVars replaces ${NAME} placeholders in prompt text. TODAY and NOW
// are builtins derived from now and shadow any environment variables of
// the same name; everything else resolves from the environment. Unknown
// placeholders are left verbatim so a prompt that mentions ${PLACEHOLDER}
// syntax survives expansion.
func ExpandVars(s string, now time.Time) string {
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		switch name {
		case "TODAY":
			return now.Format("2006-01-02")
		case "NOW":
			return now.Format("15:04")
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}
