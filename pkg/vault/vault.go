package vault

import (
	"context"
	"fmt"
	"regexp"
)

// Vault supplies decrypted credential values for an agent. Decryption
// mechanics live behind this interface.
type Vault interface {
	Credentials(ctx context.Context, agentID string) (map[string]string, error)
}

// placeholderPattern matches {key} tokens in a task prompt
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// MissingCredentialError names the placeholder that has no matching
// credential. Raised before any browser interaction begins.
type MissingCredentialError struct {
	Key string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("no credential found for placeholder %q", e.Key)
}

// Substitute replaces every {key} placeholder in the prompt with its
// credential value. Any placeholder without a matching credential fails the
// whole substitution; partial prompts never reach the browser.
func Substitute(prompt string, credentials map[string]string) (string, error) {
	var missing *MissingCredentialError
	result := placeholderPattern.ReplaceAllStringFunc(prompt, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := credentials[key]
		if !ok {
			if missing == nil {
				missing = &MissingCredentialError{Key: key}
			}
			return match
		}
		return value
	})
	if missing != nil {
		return "", missing
	}
	return result, nil
}

// Placeholders returns the distinct placeholder keys in a prompt, in order of
// first appearance
func Placeholders(prompt string) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, match := range placeholderPattern.FindAllStringSubmatch(prompt, -1) {
		key := match[1]
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}
