package types

// TaskContext is everything an executor needs to start an agent session on
// a task. Built at dispatch time from the task card, its working directory,
// and the project manifest (gate names resolved to their declarations).
type TaskContext struct {
	TaskID        string            `json:"taskId"`
	ProjectID     string            `json:"projectId"`
	ProjectRoot   string            `json:"projectRoot"`
	Title         string            `json:"title"`
	Body          string            `json:"body,omitempty"`
	Priority      Priority          `json:"priority"`
	Agent         string            `json:"agent"`
	Routing       Routing           `json:"routing,omitempty"`
	CorrelationID string            `json:"correlationId"`
	CardPath      string            `json:"cardPath"`
	CardRelPath   string            `json:"cardRelPath,omitempty"`
	WorkDir       string            `json:"workDir"`
	ParentID      string            `json:"parentId,omitempty"`
	DependsOn     []string          `json:"dependsOn,omitempty"`
	Gates         []Gate            `json:"gates,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
