package ai

import (
	"context"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation as sent to a provider.
type Turn struct {
	Role    Role
	Content string
}

// Generator produces the next assistant turn for a conversation.
type Generator interface {
	Generate(ctx context.Context, history []Turn) (string, error)
}

// Provider is a named Generator backed by one upstream endpoint.
type Provider interface {
	Generator
	Name() string
}

// mergeConsecutive folds runs of same-role turns into one turn. Unanswered
// user turns (left behind by failed generations) would otherwise break
// providers that require alternating roles.
func mergeConsecutive(history []Turn) []Turn {
	merged := make([]Turn, 0, len(history))
	for _, turn := range history {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		if n := len(merged); n > 0 && merged[n-1].Role == turn.Role {
			merged[n-1].Content += "\n\n" + turn.Content
			continue
		}
		merged = append(merged, turn)
	}
	return merged
}
