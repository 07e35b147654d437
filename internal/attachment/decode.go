package attachment

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// DecodeText tries UTF-8, then Latin-1, then Windows-1252. Latin-1 maps
// every byte, so it is only accepted when the result has no C1 control
// characters; those bytes are printable punctuation in Windows-1252.
func DecodeText(data []byte) (string, bool) {
	if utf8.Valid(data) {
		return string(data), true
	}
	if s, err := charmap.ISO8859_1.NewDecoder().Bytes(data); err == nil && !hasC1(s) {
		return string(s), true
	}
	if s, err := charmap.Windows1252.NewDecoder().Bytes(data); err == nil {
		return string(s), true
	}
	return "", false
}

func hasC1(utf8Text []byte) bool {
	for _, r := range string(utf8Text) {
		if r >= 0x80 && r <= 0x9f {
			return true
		}
	}
	return false
}
