package permits

import (
	"strconv"
	"strings"
	"time"

	"github.com/ptw-platform/ptw/internal/shared"
)

// CreateInput is the payload submitted by a requester.
type CreateInput struct {
	WorkType    WorkType    `json:"work_type" validate:"required"`
	Priority    Priority    `json:"priority" validate:"required"`
	Title       string      `json:"title" validate:"required,max=200"`
	Description string      `json:"description" validate:"max=4000"`
	Location    string      `json:"location" validate:"required,max=200"`
	StartAt     time.Time   `json:"start_at" validate:"required"`
	EndAt       time.Time   `json:"end_at" validate:"required,gtfield=StartAt"`
	Workers     []Worker    `json:"workers" validate:"required,min=1,dive"`
	Hazards     []string    `json:"hazards" validate:"dive,required,max=200"`
	Precautions []string    `json:"precautions" validate:"dive,required,max=200"`
	Equipment   []Equipment `json:"equipment" validate:"dive"`
	Declaration Declaration `json:"declaration"`
}

// UpdateInput replaces the editable fields of a pending permit.
type UpdateInput = CreateInput

// Validate applies the submission rules that struct tags cannot express. It
// never consults the attachment store.
func (in CreateInput) Validate() error {
	var problems []string
	if !in.WorkType.Valid() {
		problems = append(problems, "work_type is not recognised")
	}
	if !in.Priority.Valid() {
		problems = append(problems, "priority must be LOW, MEDIUM, HIGH or CRITICAL")
	}
	if strings.TrimSpace(in.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(in.Location) == "" {
		problems = append(problems, "location is required")
	}
	if in.StartAt.IsZero() || in.EndAt.IsZero() {
		problems = append(problems, "start_at and end_at are required")
	} else if !in.EndAt.After(in.StartAt) {
		problems = append(problems, "end_at must be after start_at")
	}
	if len(in.Workers) == 0 {
		problems = append(problems, "at least one worker is required")
	}
	for i, w := range in.Workers {
		if strings.TrimSpace(w.Name) == "" {
			problems = append(problems, "worker "+strconv.Itoa(i+1)+" needs a name")
		}
		if strings.TrimSpace(w.IDProofImage) == "" {
			problems = append(problems, "worker "+strconv.Itoa(i+1)+" needs an ID proof image")
		}
	}
	for _, e := range in.Equipment {
		if e.Mandatory && !e.Acknowledged {
			problems = append(problems, "mandatory equipment "+e.Name+" is not acknowledged")
		}
	}
	if !in.Declaration.Accepted {
		problems = append(problems, "declaration must be accepted")
	}
	if len(problems) > 0 {
		return &shared.Error{Kind: shared.ErrValidation, Message: strings.Join(problems, "; ")}
	}
	return nil
}

// IDProofKeys returns the distinct attachment keys referenced by the workers.
func (in CreateInput) IDProofKeys() []string {
	seen := make(map[string]struct{}, len(in.Workers))
	keys := make([]string, 0, len(in.Workers))
	for _, w := range in.Workers {
		k := strings.TrimSpace(w.IDProofImage)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
