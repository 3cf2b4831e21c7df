package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultServer = "https://ntfy.sh"

// Ntfy posts notifications to an ntfy topic.
type Ntfy struct {
	client *http.Client
	server string
	topic  string
}

// New returns nil when topic is empty; a nil *Ntfy drops every message.
func New(topic string) *Ntfy {
	if topic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		return nil
	}
	log.Info().Str("topic", topic).Msg("Ntfy notifications initialized")
	return &Ntfy{
		client: &http.Client{Timeout: 10 * time.Second},
		server: defaultServer,
		topic:  topic,
	}
}

// Send publishes a notification. It is a no-op on a nil receiver.
func (n *Ntfy) Send(ctx context.Context, title, message string) error {
	if n == nil {
		return nil
	}

	payload := map[string]interface{}{
		"topic":   n.topic,
		"title":   title,
		"message": message,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.server, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", title).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")
	return nil
}
