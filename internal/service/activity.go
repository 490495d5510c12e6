package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"dealer-intel/backend/internal/crm"
	"dealer-intel/backend/internal/repository"
)

// ActivityInput describes a user action to record against the CRM
type ActivityInput struct {
	Kind            string // email_sent | call_made
	Subject         string
	Description     string
	OccurredAt      time.Time
	ContactID       string
	LeadID          string
	DurationMinutes int
}

// ActivityService translates user actions into CRM activity records routed
// through the same change queue as every other outbound mutation.
type ActivityService struct {
	records *repository.RecordRepository
	tasks   *repository.TaskRepository
}

// NewActivityService creates a new activity service
func NewActivityService(records *repository.RecordRepository, tasks *repository.TaskRepository) *ActivityService {
	return &ActivityService{records: records, tasks: tasks}
}

// LogActivity stores an activity locally and enqueues its outbound create
func (s *ActivityService) LogActivity(ctx context.Context, input ActivityInput) (*repository.LocalRecord, error) {
	if input.Kind != crm.ActivityEmailSent && input.Kind != crm.ActivityCallMade {
		return nil, fmt.Errorf("unknown activity kind %q", input.Kind)
	}
	if input.ContactID == "" && input.LeadID == "" {
		return nil, fmt.Errorf("activity must reference a contact or a lead")
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	fields := crm.FieldSet{
		"kind":        input.Kind,
		"subject":     input.Subject,
		"occurred_at": occurredAt.UTC().Format(time.RFC3339),
	}
	if input.Description != "" {
		fields["description"] = input.Description
	}
	if input.ContactID != "" {
		fields["contact_id"] = input.ContactID
	}
	if input.LeadID != "" {
		fields["lead_id"] = input.LeadID
	}
	if input.DurationMinutes > 0 {
		fields["duration_minutes"] = strconv.Itoa(input.DurationMinutes)
	}

	record, err := s.records.Create(ctx, crm.EntityActivity, fields)
	if err != nil {
		return nil, fmt.Errorf("create activity record: %w", err)
	}

	if _, err := s.tasks.Enqueue(ctx, repository.EnqueueTaskRequest{
		Direction:  repository.DirectionOutbound,
		EntityType: crm.EntityActivity,
		EntityID:   record.ID.String(),
		Payload:    fields,
	}); err != nil {
		return nil, fmt.Errorf("enqueue activity task: %w", err)
	}
	return record, nil
}
