package models

// QueuedMessage is the unit carried by the retry queue and the distributed stream.
type QueuedMessage struct {
	IntegrationAccountID string         `json:"integrationAccountId"`
	Source               string         `json:"source"`
	Message              InboundMessage `json:"message"`
}

// Valid reports whether the item carries what replay needs.
func (q QueuedMessage) Valid() bool {
	return q.IntegrationAccountID != "" && q.Message.Key.RemoteJID != ""
}

// SourceOrDefault falls back to the realtime source.
func (q QueuedMessage) SourceOrDefault() string {
	if q.Source == "" {
		return SourceRealtime
	}
	return q.Source
}
