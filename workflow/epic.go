package workflow

import (
	"time"

	"github.com/uptrace/bun"
)

// Epic is a budget container. The engine consults it only as a gate before
// node execution and as the roll-up target for actual spend.
type Epic struct {
	bun.BaseModel `bun:"table:epics"`

	ID     string   `bun:"id,pk" json:"id"`
	Title  string   `bun:"title,notnull" json:"title"`
	Tags   []string `bun:"tags,array" json:"tags,omitempty"`
	Status string   `bun:"status" json:"status,omitempty"`
	// BudgetTokens and BudgetUSD are optional hard limits; nil disables the
	// corresponding gate.
	BudgetTokens   *int64     `bun:"budget_tokens" json:"budget_tokens,omitempty"`
	BudgetUSD      *float64   `bun:"budget_usd" json:"budget_usd,omitempty"`
	SpentTokens    int64      `bun:"spent_tokens" json:"spent_tokens"`
	SpentUSD       float64    `bun:"spent_usd" json:"spent_usd"`
	TotalTasks     int        `bun:"total_tasks" json:"total_tasks"`
	CompletedTasks int        `bun:"completed_tasks" json:"completed_tasks"`
	FailedTasks    int        `bun:"failed_tasks" json:"failed_tasks"`
	CreatedAt      time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
	DeletedAt      *time.Time `bun:"deleted_at,soft_delete" json:"deleted_at,omitempty"`
}

// Task is a unit of work linked to an epic; executions may be linked to a
// task so actual spend rolls up task → epic.
type Task struct {
	bun.BaseModel `bun:"table:tasks"`

	ID           string    `bun:"id,pk" json:"id"`
	EpicID       string    `bun:"epic_id,notnull" json:"epic_id"`
	Title        string    `bun:"title" json:"title"`
	Status       string    `bun:"status" json:"status,omitempty"`
	ActualTokens int64     `bun:"actual_tokens" json:"actual_tokens"`
	ActualUSD    float64   `bun:"actual_usd" json:"actual_usd"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt    time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}
