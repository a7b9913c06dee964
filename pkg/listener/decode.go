package listener

import "strings"

// decodeBody returns the body as UTF-8 text with invalid sequences replaced
// by U+FFFD.
func decodeBody(body []byte) string {
	return strings.ToValidUTF8(string(body), "�")
}
