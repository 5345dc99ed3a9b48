package crm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUpstreamUnreachable wraps transport failures talking to the CRM.
var ErrUpstreamUnreachable = errors.New("sap crm unreachable")

// UpstreamError is a non-2xx answer from the CRM.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += " - " + e.Body
	}
	return msg
}

const maxErrorBody = 500

// summarizeBody turns an error response into a short single-line message.
// HTML error pages are reduced to their text.
func summarizeBody(body []byte, contentType string) string {
	text := strings.TrimSpace(string(body))
	if strings.Contains(contentType, "html") || strings.HasPrefix(text, "<") {
		text = htmlToText(text)
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > maxErrorBody {
		text = string(r[:maxErrorBody-3]) + "..."
	}
	return text
}
