package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/settlement/internal/enrollments"
	"github.com/inaiurai/settlement/internal/models"
)

type fakeEnrollments struct {
	org      uuid.UUID
	foreign  map[uuid.UUID]bool
	settled  map[uuid.UUID]bool
	mu       sync.Mutex
	calls    map[uuid.UUID]int
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFake(org uuid.UUID) *fakeEnrollments {
	return &fakeEnrollments{org: org, foreign: map[uuid.UUID]bool{}, settled: map[uuid.UUID]bool{}, calls: map[uuid.UUID]int{}}
}

func (f *fakeEnrollments) Get(_ context.Context, id uuid.UUID) (*models.Enrollment, error) {
	org := f.org
	if f.foreign[id] {
		org = uuid.New()
	}
	return &models.Enrollment{ID: id, OrganizationID: org, Status: models.StatusAwaitingReview}, nil
}

func (f *fakeEnrollments) decide(id uuid.UUID, to models.EnrollmentStatus) (*models.Enrollment, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if f.settled[id] {
		return nil, fmt.Errorf("%w: approved -> %s", models.ErrInvalidTransition, to)
	}
	f.settled[id] = true
	return &models.Enrollment{ID: id, Status: to}, nil
}

func (f *fakeEnrollments) Approve(_ context.Context, id, _ uuid.UUID) (*models.Enrollment, error) {
	return f.decide(id, models.StatusApproved)
}

func (f *fakeEnrollments) Reject(_ context.Context, in enrollments.RejectInput) (*models.Enrollment, error) {
	if len(in.Reasons) == 0 {
		return nil, models.ErrValidation
	}
	return f.decide(in.EnrollmentID, models.StatusRejected)
}

func ids(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func TestApplyPartialSuccess(t *testing.T) {
	org := uuid.New()
	f := newFake(org)
	list := ids(10)
	f.settled[list[3]] = true

	res, err := NewCoordinator(f, 3, nil).Apply(context.Background(), Request{
		OrganizationID: org,
		IDs:            list,
		Target:         models.StatusApproved,
		ActorID:        uuid.New(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.UpdatedCount != 9 || len(res.Failures) != 1 || len(res.Results) != 10 {
		t.Fatalf("updated %d failures %d results %d", res.UpdatedCount, len(res.Failures), len(res.Results))
	}
	if res.Failures[0].ID != list[3] || res.Failures[0].Code != models.ErrorCode(models.ErrInvalidTransition) {
		t.Fatalf("failure = %+v", res.Failures[0])
	}
	for i, r := range res.Results {
		if r.ID != list[i] {
			t.Fatalf("results out of input order at %d", i)
		}
	}
	if p := f.peak.Load(); p > 3 {
		t.Fatalf("peak concurrency %d exceeds limit 3", p)
	}
}

func TestApplyDeduplicates(t *testing.T) {
	org := uuid.New()
	f := newFake(org)
	id := uuid.New()

	res, err := NewCoordinator(f, 4, nil).Apply(context.Background(), Request{
		OrganizationID: org,
		IDs:            []uuid.UUID{id, id, id},
		Target:         models.StatusRejected,
		ActorID:        uuid.New(),
		Reasons:        []string{"blurry screenshot"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.UpdatedCount != 1 || len(res.Results) != 1 || f.calls[id] != 1 {
		t.Fatalf("duplicate ids were applied: %+v calls=%d", res, f.calls[id])
	}
}

func TestApplyForeignEnrollmentFails(t *testing.T) {
	org := uuid.New()
	f := newFake(org)
	list := ids(2)
	f.foreign[list[1]] = true

	res, err := NewCoordinator(f, 2, nil).Apply(context.Background(), Request{
		OrganizationID: org, IDs: list, Target: models.StatusApproved, ActorID: uuid.New(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.UpdatedCount != 1 || res.Failures[0].ID != list[1] || f.calls[list[1]] != 0 {
		t.Fatalf("foreign enrollment touched: %+v", res)
	}
}

func TestApplyValidatesRequest(t *testing.T) {
	c := NewCoordinator(newFake(uuid.New()), 2, nil)
	cases := []struct {
		name string
		req  Request
	}{
		{"bad target", Request{IDs: ids(1), Target: models.StatusWithdrawn}},
		{"reject without reasons", Request{IDs: ids(1), Target: models.StatusRejected}},
		{"no ids", Request{Target: models.StatusApproved}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Apply(context.Background(), tc.req); !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}
