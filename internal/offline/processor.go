package offline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/clinicsync/internal/remote"
)

const (
	collectionExercisePlans = "exercisePlans"
	collectionUsers         = "users"
	collectionFeedback      = "feedback"
	collectionAppointments  = "appointments"
)

// Processor turns a queued operation into exactly one remote mutation.
// Every handler writes absolute values derived from the operation itself,
// so re-applying an operation leaves the remote document unchanged.
type Processor struct {
	sink remote.Sink
}

func NewProcessor(sink remote.Sink) *Processor {
	return &Processor{sink: sink}
}

func (p *Processor) Apply(ctx context.Context, op QueuedOperation) error {
	switch data := op.Data.(type) {
	case CompleteExercise:
		return p.completeExercise(ctx, op, data)
	case UpdateProfile:
		return p.updateProfile(ctx, op, data)
	case SubmitFeedback:
		return p.submitFeedback(ctx, op, data)
	case BookAppointment:
		return p.bookAppointment(ctx, op, data)
	case CancelAppointment:
		return p.cancelAppointment(ctx, op, data)
	case LinkProfessional:
		return p.linkProfessional(ctx, op, data)
	default:
		return fmt.Errorf("%w: %s (%T)", ErrUnknownOperation, op.Type, op.Data)
	}
}

// completeExercise rewrites the whole exercises array of the plan with the
// target exercise marked.
func (p *Processor) completeExercise(ctx context.Context, op QueuedOperation, data CompleteExercise) error {
	plan, err := p.sink.Read(ctx, collectionExercisePlans, data.PlanID)
	if err != nil {
		return fmt.Errorf("read plan %s: %w", data.PlanID, err)
	}
	exercises, _ := plan["exercises"].([]any)
	completedAt := data.CompletedAt
	if completedAt.IsZero() {
		completedAt = operationTime(op)
	}

	updated := make([]any, 0, len(exercises))
	found := false
	for _, item := range exercises {
		exercise, ok := item.(map[string]any)
		if !ok || exercise["id"] != data.ExerciseID {
			updated = append(updated, item)
			continue
		}
		found = true
		next := make(map[string]any, len(exercise)+3)
		for key, value := range exercise {
			next[key] = value
		}
		next["completed"] = data.Completed
		if data.Completed {
			next["completedAt"] = formatTime(completedAt)
		} else {
			delete(next, "completedAt")
		}
		if data.PainLevel != nil {
			next["painLevel"] = *data.PainLevel
		}
		if data.Notes != "" {
			next["notes"] = data.Notes
		}
		updated = append(updated, next)
	}
	if !found {
		return fmt.Errorf("%w: %s in %s", ErrExerciseNotFound, data.ExerciseID, data.PlanID)
	}
	return p.sink.Update(ctx, collectionExercisePlans, data.PlanID, remote.Document{
		"exercises": updated,
		"updatedAt": formatTime(operationTime(op)),
	})
}

func (p *Processor) updateProfile(ctx context.Context, op QueuedOperation, data UpdateProfile) error {
	fields := remote.Document(data.fields())
	fields["updatedAt"] = formatTime(operationTime(op))
	return p.sink.Update(ctx, collectionUsers, op.UserID, fields)
}

func (p *Processor) submitFeedback(ctx context.Context, op QueuedOperation, data SubmitFeedback) error {
	id := strings.TrimSpace(data.FeedbackID)
	if id == "" {
		id = op.ID
	}
	doc := remote.Document{
		"userId":    op.UserID,
		"rating":    data.Rating,
		"comment":   data.Comment,
		"createdAt": formatTime(operationTime(op)),
	}
	if data.ProfessionalID != "" {
		doc["professionalId"] = data.ProfessionalID
	}
	if data.AppointmentID != "" {
		doc["appointmentId"] = data.AppointmentID
	}
	if data.ExerciseID != "" {
		doc["exerciseId"] = data.ExerciseID
	}
	return p.sink.Set(ctx, collectionFeedback, id, doc)
}

func (p *Processor) bookAppointment(ctx context.Context, op QueuedOperation, data BookAppointment) error {
	fields := remote.Document{
		"status":      "confirmed",
		"patientId":   op.UserID,
		"confirmedAt": formatTime(operationTime(op)),
	}
	if data.ProfessionalID != "" {
		fields["professionalId"] = data.ProfessionalID
	}
	if !data.ScheduledAt.IsZero() {
		fields["scheduledAt"] = formatTime(data.ScheduledAt)
	}
	if data.Notes != "" {
		fields["notes"] = data.Notes
	}
	return p.sink.Update(ctx, collectionAppointments, data.AppointmentID, fields)
}

func (p *Processor) cancelAppointment(ctx context.Context, op QueuedOperation, data CancelAppointment) error {
	return p.sink.Update(ctx, collectionAppointments, data.AppointmentID, remote.Document{
		"status":             "cancelled",
		"cancelledBy":        op.UserID,
		"cancellationReason": data.Reason,
		"cancelledAt":        formatTime(operationTime(op)),
	})
}

func (p *Processor) linkProfessional(ctx context.Context, op QueuedOperation, data LinkProfessional) error {
	return p.sink.Update(ctx, collectionUsers, op.UserID, remote.Document{
		"professionalId": data.ProfessionalID,
		"linkedAt":       formatTime(operationTime(op)),
	})
}

func operationTime(op QueuedOperation) time.Time {
	return time.UnixMilli(op.Timestamp).UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
