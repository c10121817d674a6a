package types

// Event is the rendered form of an engine event: a stable type name plus
// string attributes suitable for logs and the audit store.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
