package job

import (
	"time"
)

type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
// A terminal job is never mutated again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Wine is one recognized item within a job's result.
type Wine struct {
	Name            string `json:"name"`
	Vintage         string `json:"vintage,omitempty"`
	Producer        string `json:"producer,omitempty"`
	Region          string `json:"region,omitempty"`
	Varietal        string `json:"varietal,omitempty"`
	Score           int    `json:"score"`
	Summary         string `json:"summary,omitempty"`
	ImageURL        string `json:"imageUrl,omitempty"`
	ProcessingError string `json:"processingError,omitempty"`
}

// Result is the payload written when a job completes. The partial result uses
// the same shape during processing, with Incomplete set and the counters
// advancing after every enriched item.
type Result struct {
	Wines          []Wine     `json:"wines"`
	ImageURL       string     `json:"imageUrl,omitempty"`
	Message        string     `json:"message,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Incomplete     bool       `json:"incomplete,omitempty"`
	ProcessedCount int        `json:"processedCount,omitempty"`
	TotalCount     int        `json:"totalCount,omitempty"`
}

type Job struct {
	ID            string  `json:"job_id"`
	Status        Status  `json:"status"`
	Locale        string  `json:"locale,omitempty"`
	ImageURL      string  `json:"image_url,omitempty"`
	CallbackURL   string  `json:"callback_url,omitempty"`
	Result        *Result `json:"result,omitempty"`
	PartialResult *Result `json:"partial_result,omitempty"`
	// Wines is a legacy top-level field written by older deployments; the
	// status projection still reads it when Result is absent.
	Wines       []Wine     `json:"wines,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Patch is a field-level partial update. Nil fields are left untouched by the
// store; last writer wins per field.
type Patch struct {
	Status        *Status
	ImageURL      *string
	Result        *Result
	PartialResult *Result
	Error         *string
	CompletedAt   *time.Time
	FailedAt      *time.Time
}
