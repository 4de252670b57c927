package monitor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// newRunID returns a sortable run identifier, e.g. 20250314_090102_a3f9.
func newRunID() string {
	stamp := time.Now().Format("20060102_150405")

	suffix := make([]byte, 2)
	if _, err := rand.Read(suffix); err != nil {
		// Fall back to the pid, still unique per concurrent launch.
		return fmt.Sprintf("%s_%d", stamp, os.Getpid())
	}

	return fmt.Sprintf("%s_%s", stamp, hex.EncodeToString(suffix))
}

func machineName() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}

	return name
}

// tmuxSession returns the attached tmux session name, or "" when the launch
// is not running inside tmux.
func tmuxSession() string {
	if os.Getenv("TMUX") == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "tmux", "display-message", "-p", "#S").Output()
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(out))
}

// safeArgPattern matches argv elements that need no quoting for bash.
var safeArgPattern = regexp.MustCompile(`^[a-zA-Z0-9_@%+=:,./-]+$`)

// shellQuote renders one argv element safely for bash -c.
func shellQuote(arg string) string {
	if arg == "" {
		return "''"
	}

	if safeArgPattern.MatchString(arg) {
		return arg
	}

	return "'" + strings.ReplaceAll(arg, "'", `'"'"'`) + "'"
}

// quoteCommand renders the argv as a single bash command line.
func quoteCommand(command []string) string {
	quoted := make([]string, len(command))
	for i, arg := range command {
		quoted[i] = shellQuote(arg)
	}

	return strings.Join(quoted, " ")
}
