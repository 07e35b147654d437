package domain

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is a single message in a session history. Turns are never mutated
// after creation; corrections append new turns.
type Turn struct {
	Role    Role
	Content Content
}

// UserTurn builds a plain-text user turn.
func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Content: PlainText(text)}
}

// AssistantTurn builds a plain-text assistant turn.
func AssistantTurn(text string) Turn {
	return Turn{Role: RoleAssistant, Content: PlainText(text)}
}

// ChatMessage converts the turn to the backend wire shape.
func (t Turn) ChatMessage() ChatMessage {
	return ChatMessage{Role: string(t.Role), Content: t.Content}
}

// SessionStats stores aggregate usage for one session.
type SessionStats struct {
	TotalMessages   int
	EstimatedTokens int
	StartTime       time.Time
	LastMessageTime *time.Time
	ResponseTimes   []float64
}

// AverageResponseTime returns the mean of the recorded response times in
// seconds, or zero when none are recorded.
func (s SessionStats) AverageResponseTime() float64 {
	if len(s.ResponseTimes) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.ResponseTimes {
		sum += v
	}
	return sum / float64(len(s.ResponseTimes))
}

// Clone returns a deep copy safe to hand out of a locked store.
func (s SessionStats) Clone() SessionStats {
	out := s
	if s.LastMessageTime != nil {
		t := *s.LastMessageTime
		out.LastMessageTime = &t
	}
	out.ResponseTimes = append([]float64(nil), s.ResponseTimes...)
	return out
}
