package selector

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// envNamePattern matches strings that look like environment variable names
// rather than literal keys.
var envNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// DefaultConfigResolver dereferences api_key config values: a "!cmd" string
// runs the command through the shell and uses its trimmed output, an
// all-caps name with a non-empty environment value uses that value, and
// anything else is taken literally.
func DefaultConfigResolver(getenv func(string) string) ConfigResolver {
	return func(ctx context.Context, value string) (string, error) {
		if cmd, ok := strings.CutPrefix(value, "!"); ok {
			out, err := exec.CommandContext(ctx, "sh", "-c", cmd).Output()
			if err != nil {
				return "", fmt.Errorf("api key command failed: %w", err)
			}
			key := strings.TrimSpace(string(out))
			if key == "" {
				return "", fmt.Errorf("api key command produced no output")
			}
			return key, nil
		}
		if envNamePattern.MatchString(value) {
			if v := getenv(value); v != "" {
				return v, nil
			}
		}
		return value, nil
	}
}
