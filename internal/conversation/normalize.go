package conversation

import "chat-relay/internal/domain"

// bridgeReply is inserted between two consecutive user turns.
const bridgeReply = "Understood."

// Normalize returns a strictly alternating copy of turns that ends on a user
// turn. Consecutive user turns are bridged with a synthetic assistant reply,
// consecutive assistant turns keep only the first. The input is not modified.
func Normalize(turns []domain.Turn) []domain.Turn {
	out := make([]domain.Turn, 0, len(turns)+len(turns)/2)
	for _, t := range turns {
		if len(out) == 0 || out[len(out)-1].Role != t.Role {
			out = append(out, t)
			continue
		}
		if t.Role == domain.RoleUser {
			out = append(out, domain.AssistantTurn(bridgeReply), t)
		}
	}
	if len(out) > 0 && out[len(out)-1].Role == domain.RoleAssistant {
		out = out[:len(out)-1]
	}
	return out
}
