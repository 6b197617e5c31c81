package httpapi

import (
	"encoding/json"
	"time"

	"dutybot/internal/domain"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type PersonDTO struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"omitempty,email"`
}

func (p PersonDTO) person() domain.Person { return domain.Person{Name: p.Name, Email: p.Email} }

// MarkCompleteRequest records a completion for an explicit period.
type MarkCompleteRequest struct {
	ScheduleID  string    `json:"scheduleId" validate:"required"`
	PeriodStart time.Time `json:"periodStart" validate:"required"`
	PeriodEnd   time.Time `json:"periodEnd" validate:"required,gtfield=PeriodStart"`
	CompletedBy PersonDTO `json:"completedBy"`
	Notes       string    `json:"notes,omitempty" validate:"max=2000"`
}

// CompleteCurrentRequest completes the period containing At (default now).
type CompleteCurrentRequest struct {
	At          *time.Time `json:"at,omitempty"`
	CompletedBy PersonDTO  `json:"completedBy"`
	Notes       string     `json:"notes,omitempty" validate:"max=2000"`
}

type listRunsQuery struct {
	Limit int `validate:"gte=1,lte=500"`
}

// CacheView is a snapshot as served to the console. CacheExists separates
// "never built" from "built and empty".
type CacheView struct {
	Kind        domain.CacheKind  `json:"kind"`
	Entries     []json.RawMessage `json:"entries"`
	CacheExists bool              `json:"cacheExists"`
	LastSynced  *time.Time        `json:"lastSynced"`
	Count       int               `json:"count"`
	Stale       bool              `json:"stale"`
}

type SyncResponse struct {
	Kind     domain.CacheKind `json:"kind"`
	Count    int              `json:"count"`
	SyncedAt time.Time        `json:"syncedAt"`
}

// EmployeesView is the decoded employees snapshot with assignment counts.
type EmployeesView struct {
	Employees   []domain.Employee `json:"employees"`
	CacheExists bool              `json:"cacheExists"`
	LastSynced  *time.Time        `json:"lastSynced"`
	Stale       bool              `json:"stale"`
}
