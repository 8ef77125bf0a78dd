package offline

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	cases := []struct {
		name    string
		typ     OperationType
		raw     string
		want    Payload
		wantErr error
	}{
		{
			name: "complete exercise",
			typ:  OpCompleteExercise,
			raw:  `{"planId":"P1","exerciseId":"E1","completed":true,"painLevel":2}`,
			want: CompleteExercise{PlanID: "P1", ExerciseID: "E1", Completed: true, PainLevel: func() *int { v := 2; return &v }()},
		},
		{
			name: "update profile",
			typ:  OpUpdateProfile,
			raw:  `{"displayName":"Ana"}`,
			want: UpdateProfile{DisplayName: strPtr("Ana")},
		},
		{name: "empty profile", typ: OpUpdateProfile, raw: `{}`, wantErr: ErrInvalidInput},
		{name: "rating out of range", typ: OpSubmitFeedback, raw: `{"rating":6}`, wantErr: ErrInvalidInput},
		{name: "pain out of range", typ: OpCompleteExercise, raw: `{"planId":"P","exerciseId":"E","painLevel":11}`, wantErr: ErrInvalidInput},
		{name: "missing appointment", typ: OpCancelAppointment, raw: `{"reason":"x"}`, wantErr: ErrInvalidInput},
		{name: "unknown field", typ: OpLinkProfessional, raw: `{"professionalId":"p","extra":1}`, wantErr: ErrInvalidInput},
		{name: "empty body", typ: OpBookAppointment, raw: ``, wantErr: ErrInvalidInput},
		{name: "unknown type", typ: "teleport", raw: `{}`, wantErr: ErrUnknownOperation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodePayload(tc.typ, json.RawMessage(tc.raw))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestQueuedOperationWireFormat(t *testing.T) {
	op := QueuedOperation{
		ID:        "cancel_appointment_1772441999000_abc123def",
		Type:      OpCancelAppointment,
		Data:      CancelAppointment{AppointmentID: "a1", Reason: "travel"},
		Timestamp: 1772441999000,
		Retries:   2,
		UserID:    "u1",
	}
	data, err := json.Marshal(op)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "cancel_appointment_1772441999000_abc123def",
		"type": "cancel_appointment",
		"data": {"appointmentId": "a1", "reason": "travel"},
		"timestamp": 1772441999000,
		"retries": 2,
		"userId": "u1"
	}`, string(data))

	var decoded QueuedOperation
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, op, decoded)

	_, err = json.Marshal(QueuedOperation{ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestOperationTypes(t *testing.T) {
	for _, typ := range OperationTypes() {
		assert.True(t, typ.Valid(), typ)
	}
	assert.Len(t, OperationTypes(), 6)
	assert.False(t, OperationType("teleport").Valid())
}

func TestOperationIDFormat(t *testing.T) {
	now := time.UnixMilli(1772441999000)
	id := newOperationID(OpSubmitFeedback, now)
	assert.Regexp(t, regexp.MustCompile(`^submit_feedback_1772441999000_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, newOperationID(OpSubmitFeedback, now))
}

func TestZeroTimesAreOmittedFromPayloads(t *testing.T) {
	data, err := json.Marshal(CompleteExercise{PlanID: "p1", ExerciseID: "e1", Completed: true})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "completedAt")

	data, err = json.Marshal(BookAppointment{AppointmentID: "a1"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "scheduledAt")

	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	data, err = json.Marshal(BookAppointment{AppointmentID: "a1", ScheduledAt: at})
	require.NoError(t, err)
	payload, err := DecodePayload(OpBookAppointment, data)
	require.NoError(t, err)
	assert.True(t, at.Equal(payload.(BookAppointment).ScheduledAt))
}
