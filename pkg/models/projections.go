package models

import (
	"fmt"
	"time"

	"github.com/agencyops/opsync/internal/codec"
)

// Typed views over records, for callers that need specific fields.
// Unknown fields are ignored and missing ones stay zero.

type Ticket struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority,omitempty"`
	ProjectID   string     `json:"projectId,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	Minutes     int        `json:"minutes,omitempty"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
	CreatedBy   string     `json:"createdBy"`
}

type Request struct {
	ID        string `json:"id"`
	Client    string `json:"client"`
	Subject   string `json:"subject"`
	Status    string `json:"status"`
	CreatedBy string `json:"createdBy"`
}

type Note struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	ProjectID string `json:"projectId,omitempty"`
	CreatedBy string `json:"createdBy"`
}

type Project struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Client      string  `json:"client"`
	Status      string  `json:"status"`
	BudgetHours float64 `json:"budgetHours,omitempty"`
	CreatedBy   string  `json:"createdBy"`
}

type Profile struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Email      string  `json:"email,omitempty"`
	Role       string  `json:"role"`
	HourlyRate float64 `json:"hourlyRate,omitempty"`
	CreatedBy  string  `json:"createdBy"`
}

type Quota struct {
	ID        string  `json:"id"`
	ProfileID string  `json:"profileId"`
	Period    string  `json:"period"`
	Hours     float64 `json:"hours"`
	CreatedBy string  `json:"createdBy"`
}

var projectionCodec = codec.New()

// Decode projects a record onto T by re-encoding it.
func Decode[T any](r Record) (T, error) {
	var out T
	data, err := projectionCodec.Marshal(map[string]any(r))
	if err != nil {
		return out, fmt.Errorf("encode record %s: %w", r.ID(), err)
	}
	if err := projectionCodec.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode record %s: %w", r.ID(), err)
	}
	return out, nil
}

// DecodeAll projects every record, stopping at the first failure.
func DecodeAll[T any](records []Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, r := range records {
		v, err := Decode[T](r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
