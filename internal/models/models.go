package models

import "time"

// JobRequest is the user's analytics question plus optional hints
type JobRequest struct {
	NaturalLanguageQuery string                 `json:"naturalLanguageQuery"`
	TimeRange            string                 `json:"timeRange,omitempty"`
	MetricType           string                 `json:"metricType,omitempty"`
	Filters              map[string]interface{} `json:"filters,omitempty"`
	UserID               int                    `json:"userId"`
}

// Job is a queued unit of work
type Job struct {
	ID         string     `json:"jobId"`
	Token      string     `json:"-"`
	Request    JobRequest `json:"request"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
}

// JobState is the queue-level lifecycle of a job
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// JobStatus is the externally visible view of a queued job
type JobStatus struct {
	JobID           string     `json:"jobId"`
	State           JobState   `json:"state"`
	EnqueuedAt      time.Time  `json:"enqueuedAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	CancelRequested bool       `json:"cancelRequested,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Stage is a pipeline step of the processor
type Stage string

const (
	StageReceived       Stage = "RECEIVED"
	StageContextFetched Stage = "CONTEXT_FETCHED"
	StageSQLGenerated   Stage = "SQL_GENERATED"
	StageSQLValidated   Stage = "SQL_VALIDATED"
	StageExecuted       Stage = "EXECUTED"
	StageAnalyzed       Stage = "ANALYZED"
	StageDone           Stage = "DONE"
	StageError          Stage = "ERROR"
)

// Row is a single result row keyed by column name
type Row map[string]interface{}

// AnalysisResult is the AI narrative over query results
type AnalysisResult struct {
	Analysis        string   `json:"analysis"`
	Anomalies       []string `json:"anomalies"`
	Recommendations []string `json:"recommendations"`
}

// EventType represents the type of job event
type EventType string

const (
	EventTypeStep      EventType = "step"
	EventTypeProgress  EventType = "progress"
	EventTypeReasoning EventType = "reasoning"
	EventTypeData      EventType = "data"
	EventTypeDone      EventType = "done"
	EventTypeError     EventType = "error"
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	switch t {
	case EventTypeStep, EventTypeProgress, EventTypeReasoning, EventTypeData, EventTypeDone, EventTypeError:
		return true
	}
	return false
}

// Terminal reports whether the event ends a job's stream
func (t EventType) Terminal() bool {
	return t == EventTypeDone || t == EventTypeError
}

// JobEvent is a progress notification for one job
type JobEvent struct {
	JobID          string          `json:"jobId,omitempty"`
	Type           EventType       `json:"type"`
	Message        string          `json:"message,omitempty"`
	Progress       float64         `json:"progress,omitempty"`
	SQLQuery       string          `json:"sqlQuery,omitempty"`
	SQLExplanation string          `json:"sqlExplanation,omitempty"`
	Rows           []Row           `json:"rows,omitempty"`
	Truncated      bool            `json:"truncated,omitempty"` // rows were capped at max_rows
	Analysis       *AnalysisResult `json:"analysis,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Metadata is the schema context handed to SQL generation
type Metadata struct {
	Tables   []TableInfo    `json:"tables" yaml:"tables"`
	Columns  []ColumnInfo   `json:"columns" yaml:"columns"`
	Joins    []JoinInfo     `json:"joins" yaml:"joins"`
	Tags     []SemanticTag  `json:"tags" yaml:"tags"`
	Examples []QueryExample `json:"examples" yaml:"examples"`
}

// TableInfo describes an analytics table
type TableInfo struct {
	Schema      string `json:"schema" yaml:"schema"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// ColumnInfo describes a table column
type ColumnInfo struct {
	TableSchema string `json:"table_schema" yaml:"table_schema"`
	TableName   string `json:"table_name" yaml:"table_name"`
	Name        string `json:"name" yaml:"name"`
	DataType    string `json:"data_type" yaml:"data_type"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// JoinInfo describes a known join path between tables
type JoinInfo struct {
	FromTableSchema string `json:"from_table_schema" yaml:"from_table_schema"`
	FromTableName   string `json:"from_table_name" yaml:"from_table_name"`
	FromColumn      string `json:"from_column" yaml:"from_column"`
	ToTableSchema   string `json:"to_table_schema" yaml:"to_table_schema"`
	ToTableName     string `json:"to_table_name" yaml:"to_table_name"`
	ToColumn        string `json:"to_column" yaml:"to_column"`
	JoinType        string `json:"join_type" yaml:"join_type"`
}

// SemanticTag maps a business term onto a table or column
type SemanticTag struct {
	TargetType string  `json:"target_type" yaml:"target_type"`
	Target     string  `json:"target" yaml:"target"`
	Tag        string  `json:"tag" yaml:"tag"`
	Weight     float64 `json:"weight" yaml:"weight"`
}

// QueryExample is a curated question/SQL pair
type QueryExample struct {
	NaturalLanguageQuery string `json:"natural_language_query" yaml:"natural_language_query"`
	SQLExample           string `json:"sql_example" yaml:"sql_example"`
	Description          string `json:"description,omitempty" yaml:"description"`
}
