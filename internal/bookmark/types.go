// Package bookmark defines the domain types shared by the processing pipeline.
package bookmark

import (
	"time"
)

// Status is the coarse lifecycle state of a processing item.
type Status string

// Status values persisted on processing items.
const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends the item's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Step is the fine-grained stage marker shown to pollers.
type Step string

// Pipeline steps in execution order, followed by the terminal markers.
const (
	StepQueued     Step = "queued"
	StepScraping   Step = "scraping"
	StepExtracting Step = "extracting"
	StepPersisting Step = "persisting"
	StepComplete   Step = "complete"
	StepError      Step = "error"
	StepCancelled  Step = "cancelled"
)

// Item is the persisted record tracking one URL through the pipeline.
type Item struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	Status         Status     `json:"status"`
	ProcessingStep Step       `json:"processingStep,omitempty"`
	Cancelled      bool       `json:"cancelled,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	Title          string     `json:"title,omitempty"`
	Description    string     `json:"description,omitempty"`
	Thumbnail      string     `json:"thumbnail,omitempty"`
	Favicon        string     `json:"favicon,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	Domain         string     `json:"domain,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at,omitempty"`
}

// Patch carries a partial update. Nil fields are left untouched.
type Patch struct {
	Status         *Status
	ProcessingStep *Step
	Cancelled      *bool
	CancelledAt    *time.Time
	Title          *string
	Description    *string
	Thumbnail      *string
	Favicon        *string
	Tags           []string
	Domain         *string
	Error          *string
	UpdatedAt      *time.Time
}

// Apply returns a copy of item with the set fields of p replaced.
func (p Patch) Apply(item Item) Item {
	out := item
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.ProcessingStep != nil {
		out.ProcessingStep = *p.ProcessingStep
	}
	if p.Cancelled != nil {
		out.Cancelled = *p.Cancelled
	}
	if p.CancelledAt != nil {
		ts := *p.CancelledAt
		out.CancelledAt = &ts
	}
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Thumbnail != nil {
		out.Thumbnail = *p.Thumbnail
	}
	if p.Favicon != nil {
		out.Favicon = *p.Favicon
	}
	if p.Tags != nil {
		out.Tags = append([]string(nil), p.Tags...)
	}
	if p.Domain != nil {
		out.Domain = *p.Domain
	}
	if p.Error != nil {
		out.Error = *p.Error
	}
	if p.UpdatedAt != nil {
		out.UpdatedAt = *p.UpdatedAt
	}
	return out
}

// CancelPatch builds the payload written by the cancellation signal.
func CancelPatch(at time.Time) Patch {
	status := StatusCancelled
	step := StepCancelled
	cancelled := true
	return Patch{
		Status:         &status,
		ProcessingStep: &step,
		Cancelled:      &cancelled,
		CancelledAt:    &at,
		UpdatedAt:      &at,
	}
}

// ProgressPatch moves an item to a new in-flight step.
func ProgressPatch(step Step, at time.Time) Patch {
	status := StatusLoading
	return Patch{Status: &status, ProcessingStep: &step, UpdatedAt: &at}
}

// ErrorPatch records a terminal failure with its message.
func ErrorPatch(msg string, at time.Time) Patch {
	status := StatusError
	step := StepError
	return Patch{Status: &status, ProcessingStep: &step, Error: &msg, UpdatedAt: &at}
}

// Bookmark is the durable, enriched record saved once processing completes.
type Bookmark struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
	Favicon     string    `json:"favicon,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Domain      string    `json:"domain,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Extraction is what the extractor returns for a page.
type Extraction struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	OGImage     string   `json:"og_image"`
	Favicon     string   `json:"favicon"`
	FinalURL    string   `json:"final_url"`
	Text        string   `json:"text,omitempty"`
}

// Job is the unit of work handed from the dispatcher to workers.
type Job struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	URL       string `json:"url"`
	Attempt   int    `json:"attempt"`
	Submitted int64  `json:"submitted"`
}

// Event is published when an item reaches a terminal status.
type Event struct {
	UserID    string    `json:"user_id"`
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
