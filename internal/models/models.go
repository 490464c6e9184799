package models

import (
	"encoding/json"
	"time"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID      string `json:"userId"`
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
}

// Project is a tenant. Name is the sanitized storage namespace and never
// changes after creation.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName"`
	OwnerID     string    `json:"ownerId"`
	APIKeyHash  string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Rule is one access rule of a collection.
type Rule struct {
	Match     string   `json:"match"`
	Allow     []string `json:"allow"` // read, write, create, delete
	Condition string   `json:"condition,omitempty"`
}

// IndexField is one key of an index declaration. Order is "ASCENDING"
// (default) or "DESCENDING".
type IndexField struct {
	Field string `json:"field"`
	Order string `json:"order,omitempty"`
}

type IndexOptions struct {
	Name   string `json:"name,omitempty"`
	Unique bool   `json:"unique,omitempty"`
	Sparse bool   `json:"sparse,omitempty"`
}

// IndexSpec declares an index on a collection.
type IndexSpec struct {
	Fields  []IndexField `json:"fields"`
	Options IndexOptions `json:"options"`
}

// CollectionMetadata holds the rules and index declarations of one collection.
type CollectionMetadata struct {
	Collection string      `json:"collection"`
	Rules      []Rule      `json:"rules"`
	Indexes    []IndexSpec `json:"indexes"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Task is a stored function definition. Global tasks are built in and
// read-only; user tasks belong to one project.
type Task struct {
	ID                 string         `json:"id" yaml:"id"`
	Description        string         `json:"description" yaml:"description"`
	ImplementationCode string         `json:"implementationCode" yaml:"implementationCode"`
	RequiredServices   []string       `json:"requiredServices" yaml:"requiredServices"`
	Schedule           *string        `json:"schedule" yaml:"schedule"`
	Trigger            map[string]any `json:"trigger,omitempty" yaml:"trigger"`
	Enabled            bool           `json:"enabled" yaml:"enabled"`
	IsUserTask         bool           `json:"isUserTask" yaml:"-"`
	CreatedBy          string         `json:"createdBy,omitempty" yaml:"-"`
	CreatedAt          time.Time      `json:"createdAt" yaml:"-"`
	UpdatedAt          time.Time      `json:"updatedAt" yaml:"-"`
}

// UnmarshalJSON decodes a task, treating a missing enabled field as true.
func (t *Task) UnmarshalJSON(data []byte) error {
	type plain Task
	p := plain{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = Task(p)
	return nil
}

// TriggerType returns the declared trigger type, or "".
func (t *Task) TriggerType() string {
	if t.Trigger == nil {
		return ""
	}
	s, _ := t.Trigger["type"].(string)
	return s
}

// TaskList is the merged listing of global and project tasks.
type TaskList struct {
	Tasks        []*Task `json:"tasks"`
	Count        int     `json:"count"`
	GlobalCount  int     `json:"globalCount"`
	ProjectCount int     `json:"projectCount"`
}

// ExecutionResult is the outcome of one task invocation.
type ExecutionResult struct {
	Success    bool       `json:"success"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	Details    string     `json:"details,omitempty"`
	TaskName   string     `json:"taskName"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
}

// Invocation sources.
const (
	SourceAPI       = "api"
	SourceSchedule  = "schedule"
	SourceTrigger   = "trigger"
	SourceHook      = "hook"
	SourceTask      = "task"
	SchedulerUserID = "system:scheduler"
)

// Invocation asks for one task run in a project on behalf of Caller.
type Invocation struct {
	Caller  Principal
	Project string
	TaskID  string
	Params  map[string]any
	Source  string
}

// ScheduledTask is an enabled task with a schedule and the project it runs in.
type ScheduledTask struct {
	Project string
	Task    *Task
}
