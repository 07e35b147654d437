package domain

// GuildSettings holds the persisted per-guild overrides. Nil pointers mean
// "use the process default".
type GuildSettings struct {
	GuildID         string
	SystemPrompt    string
	Temperature     *float64
	MaxTokens       *int
	SearchEnabled   *bool
	FilterThinking  *bool
	AllowedChannels []string
}

// IsZero reports whether no override is set.
func (g GuildSettings) IsZero() bool {
	return g.SystemPrompt == "" &&
		g.Temperature == nil &&
		g.MaxTokens == nil &&
		g.SearchEnabled == nil &&
		g.FilterThinking == nil &&
		len(g.AllowedChannels) == 0
}

// EffectiveSettings is the fully resolved configuration for one exchange.
type EffectiveSettings struct {
	SystemPrompt    string
	Temperature     float64
	MaxTokens       int
	SearchEnabled   bool
	FilterThinking  bool
	AllowedChannels []string
}
