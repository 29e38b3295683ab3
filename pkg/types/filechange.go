package types

// File change operations.
const (
	FileOpCreate = "create"
	FileOpModify = "modify"
	FileOpDelete = "delete"
)

// FileChangeProposal is a file modification suggested by the model through a
// tool call. Proposals are never applied by the server; clients review them.
type FileChangeProposal struct {
	ID          string `json:"id"`
	ResourceID  string `json:"resource_id"`
	MessageID   string `json:"message_id"`
	ExecutionID string `json:"execution_id"`
	ToolCallID  string `json:"tool_call_id"`
	ToolName    string `json:"tool_name"`
	Path        string `json:"path"`
	Operation   string `json:"operation"` // "create" | "modify" | "delete"
	Content     string `json:"content,omitempty"`
	Before      string `json:"before,omitempty"`
	Diff        string `json:"diff,omitempty"`
	Additions   int    `json:"additions"`
	Deletions   int    `json:"deletions"`
	Status      string `json:"status"` // "pending"
	Created     int64  `json:"created"`
}

// Summary returns the short form broadcast to resource subscribers.
func (p *FileChangeProposal) Summary() FileChangeSummary {
	return FileChangeSummary{
		ID:        p.ID,
		Path:      p.Path,
		Operation: p.Operation,
		Additions: p.Additions,
		Deletions: p.Deletions,
	}
}

// FileChangeSummary is the compact description of a proposal.
type FileChangeSummary struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}
