package campaign

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Dispatch turns a campaign's contact list into pending send jobs, enqueued
// atomically so a half-dispatched campaign never runs. sessionID names the
// automated session the campaign sends through.
func Dispatch(ctx context.Context, queue JobQueue, campaignID, workspaceID, sessionID, body string, tierLevel int, contacts []string) (int, error) {
	if campaignID == "" || workspaceID == "" || sessionID == "" || body == "" {
		return 0, ErrInvalidArgument
	}
	if len(contacts) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	jobs := make([]SendJob, 0, len(contacts))
	for _, contact := range contacts {
		if contact == "" {
			return 0, ErrInvalidArgument
		}
		jobs = append(jobs, SendJob{
			ID:          uuid.NewString(),
			CampaignID:  campaignID,
			WorkspaceID: workspaceID,
			SessionID:   sessionID,
			Contact:     contact,
			Body:        body,
			SpeedTier:   tierLevel,
			Status:      JobPending,
			NotBefore:   now,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err := queue.EnqueueAll(ctx, jobs); err != nil {
		return 0, err
	}
	return len(jobs), nil
}
