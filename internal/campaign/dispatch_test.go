package campaign

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDispatch_EnqueuesOneJobPerContact(t *testing.T) {
	q := NewMemoryQueue()
	n, err := Dispatch(context.Background(), q, "c1", "w1", "s1", "hello", 2, []string{"+1", "+2", "+3"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 jobs, got %d", n)
	}

	job, err := q.NextPending(context.Background(), "c1", time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if job.Status != JobPending || job.SpeedTier != 2 || job.WorkspaceID != "w1" || job.SessionID != "s1" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestDispatch_RejectsEmptyContact(t *testing.T) {
	q := NewMemoryQueue()
	_, err := Dispatch(context.Background(), q, "c1", "w1", "s1", "hello", 2, []string{"+1", ""})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := q.NextPending(context.Background(), "c1", time.Now().UTC().Add(time.Second)); !errors.Is(err, ErrNoJob) {
		t.Fatalf("expected empty queue after rejected dispatch")
	}
}

func TestDueCampaigns_ListsOnlyDueWork(t *testing.T) {
	q := NewMemoryQueue()
	if _, err := Dispatch(context.Background(), q, "c1", "w1", "s1", "hello", 2, []string{"+1", "+2"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	now := time.Now().UTC()
	err := q.Enqueue(context.Background(), SendJob{
		ID: "later", CampaignID: "c2", WorkspaceID: "w1", SessionID: "s2",
		Contact: "+3", Body: "b", SpeedTier: 1,
		Status: JobPending, NotBefore: now.Add(time.Hour),
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	refs, err := q.DueCampaigns(context.Background(), now.Add(time.Second))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected one due campaign, got %d", len(refs))
	}
	if refs[0].CampaignID != "c1" || refs[0].SessionID != "s1" || refs[0].SpeedTier != 2 {
		t.Fatalf("unexpected ref %+v", refs[0])
	}
}
