package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft      ExamStatus = "DRAFT"
	ExamStatusPublished  ExamStatus = "PUBLISHED"
	ExamStatusInProgress ExamStatus = "IN_PROGRESS"
	ExamStatusCompleted  ExamStatus = "COMPLETED"
	ExamStatusArchived   ExamStatus = "ARCHIVED"
)

// Exam is the read-only view of an exam definition the proctoring engine needs.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	OrganizationID  string     `json:"organization_id"`
	ScheduledStart  *time.Time `json:"scheduled_start,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	QuestionCount   int        `json:"question_count"`
	Status          ExamStatus `json:"status"`
}

// Window returns the [start, end] interval a student may take the exam in.
// An exam without a schedule has no window and ok is false.
func (e *Exam) Window() (start, end time.Time, ok bool) {
	if e.ScheduledStart == nil {
		return time.Time{}, time.Time{}, false
	}
	start = *e.ScheduledStart
	return start, start.Add(time.Duration(e.DurationMinutes) * time.Minute), true
}
