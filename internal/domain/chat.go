package domain

import "encoding/json"

// ChatMessage is the provider-agnostic chat message shape sent to the
// inference backend.
type ChatMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// ContentPart types understood by OpenAI-compatible backends.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ContentPart is one typed element of a structured message body.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image, usually as a base64 data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image-reference content part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: &ImageURL{URL: url}}
}

// Content is either plain text or an ordered list of content parts. It
// marshals to a JSON string when it carries no parts.
type Content struct {
	Text  string
	Parts []ContentPart
}

// PlainText returns a text-only Content.
func PlainText(text string) Content {
	return Content{Text: text}
}

// Blocks returns a structured Content.
func Blocks(parts ...ContentPart) Content {
	return Content{Parts: parts}
}

// IsBlocks reports whether c carries structured parts.
func (c Content) IsBlocks() bool {
	return len(c.Parts) > 0
}

// String flattens the content to its text parts.
func (c Content) String() string {
	if !c.IsBlocks() {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type != PartText || p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsBlocks() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = Content{Text: text}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*c = Content{Parts: parts}
	return nil
}

// ChatRequest is one streaming completion. MaxTokens of -1 leaves the output
// length to the backend.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
}

// StreamEvent carries either a text delta or the terminal error. The stream
// channel closes after the last event.
type StreamEvent struct {
	Delta string
	Err   error
}
