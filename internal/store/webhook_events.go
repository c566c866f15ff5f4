package store

import (
	"encoding/json"

	"resourcereserver/internal/models"
)

// webhookSubscribesTo reports whether w's events set (stored as a JSON
// array column) contains eventType.
func webhookSubscribesTo(w *models.Webhook, eventType string) bool {
	if len(w.Events) == 0 {
		return false
	}
	var events []string
	if err := json.Unmarshal(w.Events, &events); err != nil {
		return false
	}
	for _, e := range events {
		if e == eventType {
			return true
		}
	}
	return false
}
