package permits

import "time"

// WorkType classifies the hazard profile of the work.
type WorkType string

const (
	WorkHotWork         WorkType = "HOT_WORK"
	WorkConfinedSpace   WorkType = "CONFINED_SPACE"
	WorkElectrical      WorkType = "ELECTRICAL"
	WorkAtHeight        WorkType = "WORKING_AT_HEIGHT"
	WorkExcavation      WorkType = "EXCAVATION"
	WorkLifting         WorkType = "LIFTING"
	WorkChemical        WorkType = "CHEMICAL"
	WorkRadiation       WorkType = "RADIATION"
	WorkGeneral         WorkType = "GENERAL"
	WorkColdWork        WorkType = "COLD_WORK"
	WorkLockoutTagout   WorkType = "LOTO"
	WorkVehicle         WorkType = "VEHICLE"
	WorkPressureTesting WorkType = "PRESSURE_TESTING"
	WorkEnergize        WorkType = "ENERGIZE"
	WorkSafeWorkMethod  WorkType = "SWMS"
)

var workTypes = []WorkType{
	WorkHotWork, WorkConfinedSpace, WorkElectrical, WorkAtHeight, WorkExcavation,
	WorkLifting, WorkChemical, WorkRadiation, WorkGeneral, WorkColdWork,
	WorkLockoutTagout, WorkVehicle, WorkPressureTesting, WorkEnergize, WorkSafeWorkMethod,
}

// WorkTypes lists every work type.
func WorkTypes() []WorkType {
	return append([]WorkType(nil), workTypes...)
}

// Valid reports whether w is a known work type.
func (w WorkType) Valid() bool {
	for _, known := range workTypes {
		if w == known {
			return true
		}
	}
	return false
}

// Priority ranks permit urgency.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Status is the lifecycle state of a permit.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusApproved       Status = "APPROVED"
	StatusRejected       Status = "REJECTED"
	StatusExtended       Status = "EXTENDED"
	StatusRevoked        Status = "REVOKED"
	StatusReapproved     Status = "REAPPROVED"
	StatusClosed         Status = "CLOSED"
	StatusPendingRemarks Status = "PENDING_REMARKS"
)

var statuses = []Status{
	StatusPending, StatusApproved, StatusRejected, StatusExtended,
	StatusRevoked, StatusReapproved, StatusClosed, StatusPendingRemarks,
}

// Statuses lists every status.
func Statuses() []Status {
	return append([]Status(nil), statuses...)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusRejected
}

// Active reports whether work may proceed under the permit.
func (s Status) Active() bool {
	return s == StatusApproved || s == StatusExtended || s == StatusReapproved
}

// Decision is the outcome captured by an approval record.
type Decision string

const (
	DecisionPending  Decision = "PENDING"
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// Worker is a person covered by the permit.
type Worker struct {
	Name          string `json:"name" validate:"required,max=120"`
	Phone         string `json:"phone" validate:"omitempty,max=32"`
	IDProofType   string `json:"id_proof_type" validate:"required,max=40"`
	IDProofNumber string `json:"id_proof_number" validate:"required,max=64"`
	IDProofImage  string `json:"id_proof_image" validate:"required,max=255"`
}

// Equipment is a safety item checked before submission.
type Equipment struct {
	Name         string `json:"name" validate:"required,max=120"`
	Mandatory    bool   `json:"mandatory"`
	Acknowledged bool   `json:"acknowledged"`
}

// Declaration is the requester's signed statement.
type Declaration struct {
	Accepted   bool       `json:"accepted"`
	Signature  string     `json:"signature,omitempty"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
}

// ApprovalRecord captures one decision event. Records are append-only.
type ApprovalRecord struct {
	Ref        string    `json:"ref"`
	Decision   Decision  `json:"decision"`
	ApproverID int64     `json:"approver_id"`
	Comment    string    `json:"comment,omitempty"`
	Signature  string    `json:"signature,omitempty"`
	At         time.Time `json:"at"`
}

// ActionRecord captures one lifecycle action, including status-preserving remarks.
type ActionRecord struct {
	Action        Action     `json:"action"`
	ActorID       int64      `json:"actor_id"`
	FromStatus    Status     `json:"from_status"`
	ToStatus      Status     `json:"to_status"`
	Comment       string     `json:"comment,omitempty"`
	ExtendedUntil *time.Time `json:"extended_until,omitempty"`
	At            time.Time  `json:"at"`
}

// Permit is the work-authorization record.
type Permit struct {
	ID            int64            `json:"id"`
	Number        string           `json:"number"`
	WorkType      WorkType         `json:"work_type"`
	Status        Status           `json:"status"`
	Priority      Priority         `json:"priority"`
	Title         string           `json:"title"`
	Description   string           `json:"description,omitempty"`
	Location      string           `json:"location"`
	StartAt       time.Time        `json:"start_at"`
	EndAt         time.Time        `json:"end_at"`
	ExtendedUntil *time.Time       `json:"extended_until,omitempty"`
	AutoClosedAt  *time.Time       `json:"auto_closed_at,omitempty"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	RequestedBy   int64            `json:"requested_by"`
	Workers       []Worker         `json:"workers"`
	Hazards       []string         `json:"hazards"`
	Precautions   []string         `json:"precautions"`
	Equipment     []Equipment      `json:"equipment"`
	Declaration   Declaration      `json:"declaration"`
	Approvals     []ApprovalRecord `json:"approvals"`
	Actions       []ActionRecord   `json:"actions"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Version       int64            `json:"version"`
}

// EffectiveEnd is the later of EndAt and ExtendedUntil.
func (p Permit) EffectiveEnd() time.Time {
	if p.ExtendedUntil != nil && p.ExtendedUntil.After(p.EndAt) {
		return *p.ExtendedUntil
	}
	return p.EndAt
}

// ListFilter narrows List results.
type ListFilter struct {
	Status      Status
	WorkType    WorkType
	RequestedBy int64
	Page        int
	PerPage     int
}

// Stats counts permits per status.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}
