package offline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type OperationType string

const (
	OpCompleteExercise  OperationType = "complete_exercise"
	OpUpdateProfile     OperationType = "update_profile"
	OpSubmitFeedback    OperationType = "submit_feedback"
	OpBookAppointment   OperationType = "book_appointment"
	OpCancelAppointment OperationType = "cancel_appointment"
	OpLinkProfessional  OperationType = "link_professional"
)

var operationTypes = []OperationType{
	OpCompleteExercise,
	OpUpdateProfile,
	OpSubmitFeedback,
	OpBookAppointment,
	OpCancelAppointment,
	OpLinkProfessional,
}

func OperationTypes() []OperationType {
	return append([]OperationType(nil), operationTypes...)
}

func (t OperationType) Valid() bool {
	for _, known := range operationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Payload is the typed body of a queued operation. The set of
// implementations is closed: one struct per OperationType.
type Payload interface {
	Type() OperationType
	Validate() error
	isPayload()
}

type CompleteExercise struct {
	PlanID      string    `json:"planId"`
	ExerciseID  string    `json:"exerciseId"`
	Completed   bool      `json:"completed"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	PainLevel   *int      `json:"painLevel,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

type UpdateProfile struct {
	DisplayName      *string `json:"displayName,omitempty"`
	Phone            *string `json:"phone,omitempty"`
	DateOfBirth      *string `json:"dateOfBirth,omitempty"`
	Address          *string `json:"address,omitempty"`
	EmergencyContact *string `json:"emergencyContact,omitempty"`
	PhotoURL         *string `json:"photoUrl,omitempty"`
}

type SubmitFeedback struct {
	FeedbackID     string `json:"feedbackId,omitempty"`
	ProfessionalID string `json:"professionalId,omitempty"`
	AppointmentID  string `json:"appointmentId,omitempty"`
	ExerciseID     string `json:"exerciseId,omitempty"`
	Rating         int    `json:"rating"`
	Comment        string `json:"comment,omitempty"`
}

type BookAppointment struct {
	AppointmentID  string    `json:"appointmentId"`
	ProfessionalID string    `json:"professionalId,omitempty"`
	ScheduledAt    time.Time `json:"scheduledAt,omitzero"`
	Notes          string    `json:"notes,omitempty"`
}

type CancelAppointment struct {
	AppointmentID string `json:"appointmentId"`
	Reason        string `json:"reason,omitempty"`
}

type LinkProfessional struct {
	ProfessionalID string `json:"professionalId"`
	InviteCode     string `json:"inviteCode,omitempty"`
}

func (CompleteExercise) Type() OperationType  { return OpCompleteExercise }
func (UpdateProfile) Type() OperationType     { return OpUpdateProfile }
func (SubmitFeedback) Type() OperationType    { return OpSubmitFeedback }
func (BookAppointment) Type() OperationType   { return OpBookAppointment }
func (CancelAppointment) Type() OperationType { return OpCancelAppointment }
func (LinkProfessional) Type() OperationType  { return OpLinkProfessional }

func (CompleteExercise) isPayload()  {}
func (UpdateProfile) isPayload()     {}
func (SubmitFeedback) isPayload()    {}
func (BookAppointment) isPayload()   {}
func (CancelAppointment) isPayload() {}
func (LinkProfessional) isPayload()  {}

func (p CompleteExercise) Validate() error {
	if strings.TrimSpace(p.PlanID) == "" || strings.TrimSpace(p.ExerciseID) == "" {
		return fmt.Errorf("%w: planId and exerciseId are required", ErrInvalidInput)
	}
	if p.PainLevel != nil && (*p.PainLevel < 0 || *p.PainLevel > 10) {
		return fmt.Errorf("%w: painLevel must be between 0 and 10", ErrInvalidInput)
	}
	return nil
}

func (p UpdateProfile) Validate() error {
	if len(p.fields()) == 0 {
		return fmt.Errorf("%w: at least one profile field is required", ErrInvalidInput)
	}
	return nil
}

func (p SubmitFeedback) Validate() error {
	if p.Rating < 1 || p.Rating > 5 {
		return fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidInput)
	}
	return nil
}

func (p BookAppointment) Validate() error {
	if strings.TrimSpace(p.AppointmentID) == "" {
		return fmt.Errorf("%w: appointmentId is required", ErrInvalidInput)
	}
	return nil
}

func (p CancelAppointment) Validate() error {
	if strings.TrimSpace(p.AppointmentID) == "" {
		return fmt.Errorf("%w: appointmentId is required", ErrInvalidInput)
	}
	return nil
}

func (p LinkProfessional) Validate() error {
	if strings.TrimSpace(p.ProfessionalID) == "" {
		return fmt.Errorf("%w: professionalId is required", ErrInvalidInput)
	}
	return nil
}

func (p UpdateProfile) fields() map[string]any {
	out := map[string]any{}
	set := func(name string, value *string) {
		if value != nil {
			out[name] = *value
		}
	}
	set("displayName", p.DisplayName)
	set("phone", p.Phone)
	set("dateOfBirth", p.DateOfBirth)
	set("address", p.Address)
	set("emergencyContact", p.EmergencyContact)
	set("photoUrl", p.PhotoURL)
	return out
}

// DecodePayload builds the typed payload for t from its JSON body.
// Unknown fields are rejected.
func DecodePayload(t OperationType, raw json.RawMessage) (Payload, error) {
	var payload Payload
	var err error
	switch t {
	case OpCompleteExercise:
		payload, err = decodeStrict[CompleteExercise](raw)
	case OpUpdateProfile:
		payload, err = decodeStrict[UpdateProfile](raw)
	case OpSubmitFeedback:
		payload, err = decodeStrict[SubmitFeedback](raw)
	case OpBookAppointment:
		payload, err = decodeStrict[BookAppointment](raw)
	case OpCancelAppointment:
		payload, err = decodeStrict[CancelAppointment](raw)
	case OpLinkProfessional:
		payload, err = decodeStrict[LinkProfessional](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidInput, t, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

func decodeStrict[T Payload](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, fmt.Errorf("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	err := dec.Decode(&out)
	return out, err
}

// QueuedOperation is one pending mutation. Data always holds the payload
// variant matching Type.
type QueuedOperation struct {
	ID            string
	Type          OperationType
	Data          Payload
	Timestamp     int64
	Retries       int
	UserID        string
	NextAttemptAt int64
	LastError     string
}

type queuedOperationJSON struct {
	ID            string          `json:"id"`
	Type          OperationType   `json:"type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     int64           `json:"timestamp"`
	Retries       int             `json:"retries"`
	UserID        string          `json:"userId"`
	NextAttemptAt int64           `json:"nextAttemptAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
}

func (op QueuedOperation) MarshalJSON() ([]byte, error) {
	if op.Data == nil {
		return nil, fmt.Errorf("%w: operation %s has no payload", ErrInvalidInput, op.ID)
	}
	data, err := json.Marshal(op.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(queuedOperationJSON{
		ID:            op.ID,
		Type:          op.Type,
		Data:          data,
		Timestamp:     op.Timestamp,
		Retries:       op.Retries,
		UserID:        op.UserID,
		NextAttemptAt: op.NextAttemptAt,
		LastError:     op.LastError,
	})
}

func (op *QueuedOperation) UnmarshalJSON(raw []byte) error {
	var wire queuedOperationJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	payload, err := DecodePayload(wire.Type, wire.Data)
	if err != nil {
		return err
	}
	*op = QueuedOperation{
		ID:            wire.ID,
		Type:          wire.Type,
		Data:          payload,
		Timestamp:     wire.Timestamp,
		Retries:       wire.Retries,
		UserID:        wire.UserID,
		NextAttemptAt: wire.NextAttemptAt,
		LastError:     wire.LastError,
	}
	return nil
}

// Age is how long the operation has been waiting at now.
func (op QueuedOperation) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(op.Timestamp))
}

func newOperationID(t OperationType, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", t, now.UnixMilli(), suffix)
}
