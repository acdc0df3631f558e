package internal

import "encoding/json"

// Event is a lifecycle message exchanged over the notification queues.
// Build events carry a buildset status and branch; repository events carry
// only the event type and the repository they concern.
type Event struct {
	Type         string                 `json:"event_type"`
	RepositoryID string                 `json:"repository_id"`
	Status       string                 `json:"status,omitempty"`
	Branch       string                 `json:"branch,omitempty"`
	NamedTree    string                 `json:"named_tree,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	RawPayload   json.RawMessage        `json:"-"`
}
