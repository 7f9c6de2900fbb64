// Package events defines endpoint change events and publisher interfaces.
package events

// Endpoint change types.
const (
	EndpointAvailable   = "available"
	EndpointUnavailable = "unavailable"
)

// EndpointChangedEvent is emitted when a module's discovery entry is published or removed.
type EndpointChangedEvent struct {
	Type       string `json:"type"`
	App        string `json:"app"`
	Module     string `json:"module"`
	Distinct   string `json:"distinct,omitempty"`
	ServiceURL string `json:"serviceUrl"`
	Node       string `json:"node,omitempty"`
	Timestamp  string `json:"timestamp"`
}
