// Package cli provides helpers for interactive mode detection.
package cli

import (
	"os"

	"golang.org/x/term"
)

// IsNonInteractive reports whether the TUI and prompts must be skipped.
func IsNonInteractive() bool {
	if nonInteractive {
		return true
	}
	if envSet("USAGEMETER_NON_INTERACTIVE", "CI") {
		return true
	}
	return !hasTTY()
}

func hasTTY() bool {
	return isTerminal(os.Stdin) && isTerminal(os.Stdout)
}

func isTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// envSet reports whether any of keys is present in the environment, even
// with an empty value.
func envSet(keys ...string) bool {
	for _, key := range keys {
		if _, ok := os.LookupEnv(key); ok {
			return true
		}
	}
	return false
}
