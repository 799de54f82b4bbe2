// Package notify implements the outbound webhook on task outcome: a
// single best-effort JSON POST, silent on failure, no-op if unconfigured.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

const timeout = 5 * time.Second

// statusEmoji mirrors the small heuristic the Python prototype used to
// prefix a notification with an at-a-glance outcome marker.
var statusEmoji = map[string]string{
	"passing": "✅",
	"failed":  "❌",
	"timeout": "⏱️",
	"stall":   "\U0001f6d1",
}

// Sink posts outcome notifications to a configured webhook URL.
type Sink struct {
	url    string
	client *http.Client
}

// New returns a Sink. An empty url makes every Notify call a no-op.
func New(url string) *Sink {
	return &Sink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Notify posts a short message describing a task's outcome. Errors are
// swallowed and logged, never surfaced to the caller, since a failed
// notification must not affect task accounting.
func (s *Sink) Notify(status, taskName, message string) {
	if s.url == "" {
		return
	}
	emoji := statusEmoji[status]
	text := fmt.Sprintf("%s **%s**\n%s", emoji, taskName, message)

	key := "text"
	if strings.Contains(s.url, "discord") {
		key = "content"
	}
	body, err := json.Marshal(map[string]string{key: text})
	if err != nil {
		fmt.Fprintf(os.Stderr, "notify: marshal error: %v\n", err)
		return
	}

	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "notify: delivery error: %v\n", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "notify: webhook returned status %d\n", resp.StatusCode)
	}
}
