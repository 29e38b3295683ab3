// Package types provides the core data types shared by the missionlink server.
package types

// Resource kinds.
const (
	KindMission = "mission"
	KindSpec    = "spec"
)

// Resource is a long-lived unit of work (a mission or a spec) that messages,
// executions and file-change proposals hang off.
type Resource struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"` // "mission" | "spec"
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Time        ResourceTime   `json:"time"`
}

// ResourceTime contains timestamps for a resource.
type ResourceTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// ValidResourceKind reports whether kind names a resource kind.
func ValidResourceKind(kind string) bool {
	return kind == KindMission || kind == KindSpec
}
