package events

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"taskdesk/internal/domain"
	"taskdesk/internal/repo"
)

const DefaultMaxEntries = 1000

const (
	TaskCreated             = "task.created"
	TaskUpdated             = "task.updated"
	TaskAssigned            = "task.assigned"
	TaskCompletionRequested = "task.completion_requested"
	TaskCompleted           = "task.completed"
	TaskCompletionApproved  = "task.completion_approved"
	UserSignedUp            = "user.signed_up"
	UserApproved            = "user.approved"
	UserUpdated             = "user.updated"
	ProfileUpdated          = "profile.updated"
	SessionLogin            = "session.login"
	SessionLogout           = "session.logout"
)

type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
	// Max caps the stored log; the oldest entries are dropped first.
	Max int
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	now := w.Now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return domain.Event{}, fmt.Errorf("event id: %w", err)
	}
	evt := domain.Event{
		ID:         id.String(),
		TS:         domain.FormatTime(now),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	}
	evts, err := w.Repo.Events(ctx)
	if err != nil {
		return domain.Event{}, err
	}
	evts = append(evts, evt)
	max := w.Max
	if max <= 0 {
		max = DefaultMaxEntries
	}
	if len(evts) > max {
		evts = evts[len(evts)-max:]
	}
	if err := w.Repo.SetEvents(ctx, evts); err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}
