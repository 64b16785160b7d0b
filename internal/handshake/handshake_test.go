package handshake

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-pool/internal/apperr"
	"github.com/example/campus-pool/internal/ingest"
	"github.com/example/campus-pool/internal/models"
	"github.com/example/campus-pool/internal/storage"
)

type fakeNotifier struct {
	mu        sync.Mutex
	requested []models.RideRequest
	accepted  []models.RideMatch
}

func (f *fakeNotifier) RideRequested(req models.RideRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, req)
}

func (f *fakeNotifier) RideAccepted(m models.RideMatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, m)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []ingest.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, ev ingest.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

// failingStore fails inserts into one collection.
type failingStore struct {
	*storage.MemoryStore
	failInsert string
}

func (f *failingStore) Insert(ctx context.Context, collection string, doc any) error {
	if collection == f.failInsert {
		return errors.New("connection reset")
	}
	return f.MemoryStore.Insert(ctx, collection, doc)
}

type fixture struct {
	store    storage.Gateway
	mem      *storage.MemoryStore
	notifier *fakeNotifier
	events   *fakePublisher
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := storage.NewMemoryStore()
	return newFixtureWithStore(t, mem, mem)
}

func newFixtureWithStore(t *testing.T, gw storage.Gateway, mem *storage.MemoryStore) *fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	var seq atomic.Int64

	require.NoError(t, mem.Insert(ctx, models.UsersCollection, models.User{ID: "driver-a", Name: "Asha", IsDriver: true, IsDriving: true}))
	require.NoError(t, mem.Insert(ctx, models.UsersCollection, models.User{ID: "rider-b", Name: "Bilal", EcoScore: 3}))
	require.NoError(t, mem.Insert(ctx, models.RoutesCollection, models.DriverRoute{
		ID: "route-1", DriverID: "driver-a", DriverName: "Asha", Origin: "Andheri", Destination: "Campus",
		Direction: models.ToCollege, AvailableSeats: 3, IsActive: true,
	}))

	f := &fixture{store: gw, mem: mem, notifier: &fakeNotifier{}, events: &fakePublisher{}}
	f.svc = &Service{
		Store:  gw,
		Notify: f.notifier,
		Events: f.events,
		Now:    func() time.Time { return now },
		NewID:  func() string { return "id-" + strconv.FormatInt(seq.Add(1), 10) },
	}
	return f
}

func (f *fixture) request(t *testing.T) models.RideRequest {
	t.Helper()
	req, err := f.svc.Create(context.Background(), CreateRequest{
		RiderID: "rider-b", RiderName: "Bilal", DriverID: "driver-a", RouteID: "route-1",
		PickupLocation: "Gate 2", PickupTime: "8:15 AM",
	})
	require.NoError(t, err)
	return req
}

func (f *fixture) user(t *testing.T, id string) models.User {
	t.Helper()
	var u models.User
	require.NoError(t, f.mem.FindOne(context.Background(), models.UsersCollection, storage.Filter{"id": id}, &u))
	return u
}

func (f *fixture) matchCount(t *testing.T) int64 {
	t.Helper()
	n, err := f.mem.Count(context.Background(), models.RideMatchesCollection, storage.Filter{})
	require.NoError(t, err)
	return n
}

func TestCreateNotifiesDriver(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)

	assert.Equal(t, models.StatusPending, req.Status)
	assert.Equal(t, "Asha", req.DriverName, "driver name is filled from the route")
	require.Len(t, f.notifier.requested, 1)
	assert.Equal(t, "driver-a", f.notifier.requested[0].DriverID)
	assert.Equal(t, []string{ingest.RequestCreated}, f.events.types())

	pending, err := f.svc.PendingForDriver(context.Background(), "driver-a")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)
}

func TestCreateValidatesReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := CreateRequest{RiderID: "rider-b", RiderName: "Bilal", DriverID: "driver-a", RouteID: "route-1", PickupLocation: "Gate 2"}

	missing := base
	missing.PickupLocation = ""
	_, err := f.svc.Create(ctx, missing)
	assert.True(t, apperr.IsValidation(err))

	noRoute := base
	noRoute.RouteID = "route-x"
	_, err = f.svc.Create(ctx, noRoute)
	assert.True(t, apperr.IsNotFound(err))

	wrongDriver := base
	wrongDriver.DriverID = "someone-else"
	_, err = f.svc.Create(ctx, wrongDriver)
	assert.True(t, apperr.IsValidation(err))

	ghost := base
	ghost.RiderID = "ghost"
	_, err = f.svc.Create(ctx, ghost)
	assert.True(t, apperr.IsNotFound(err))

	self := base
	self.RiderID = "driver-a"
	_, err = f.svc.Create(ctx, self)
	assert.True(t, apperr.IsValidation(err))

	_, err = f.mem.UpdateOne(ctx, models.RoutesCollection, storage.Filter{"id": "route-1"}, storage.Update{Set: map[string]any{"is_active": false}})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, base)
	assert.True(t, apperr.IsConflict(err))

	assert.Empty(t, f.notifier.requested)
}

func TestAcceptCreatesMatchAndCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t)

	match, err := f.svc.Accept(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, match.RequestID)
	assert.Equal(t, "rider-b", match.RiderID)
	assert.Equal(t, "driver-a", match.DriverID)
	assert.Equal(t, "route-1", match.RouteID)
	assert.Equal(t, models.MatchMatched, match.Status)
	assert.Equal(t, 2.5, match.CarbonSaved)
	assert.Equal(t, SplitCost, match.SplitCost)

	stored, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, stored.Status)
	assert.EqualValues(t, 1, f.matchCount(t))

	rider, driver := f.user(t, "rider-b"), f.user(t, "driver-a")
	assert.Equal(t, 3+RiderBonus, rider.EcoScore)
	assert.Equal(t, DriverBonus, driver.EcoScore)
	assert.Equal(t, 2.5, rider.CarbonSaved)
	assert.Equal(t, 2.5, driver.CarbonSaved)

	require.Len(t, f.notifier.accepted, 1)
	assert.Equal(t, match.ID, f.notifier.accepted[0].ID)
	assert.Equal(t, []string{ingest.RequestCreated, ingest.RequestAccepted}, f.events.types())

	got, err := f.svc.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	assert.Equal(t, match.RequestID, got.RequestID)
}

func TestRejectLeavesCreditsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t)

	rejected, err := f.svc.Reject(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	assert.EqualValues(t, 0, f.matchCount(t))
	assert.Equal(t, 3, f.user(t, "rider-b").EcoScore)
	assert.Equal(t, 0, f.user(t, "driver-a").EcoScore)
	assert.Empty(t, f.notifier.accepted)
}

func TestUnknownRequestIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Accept(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))
	_, err = f.svc.Reject(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))
	_, err = f.svc.Complete(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))

	assert.EqualValues(t, 0, f.matchCount(t))
	assert.Equal(t, 3, f.user(t, "rider-b").EcoScore)
}

func TestTerminalRequestsCannotBeReprocessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rejected := f.request(t)
	_, err := f.svc.Reject(ctx, rejected.ID)
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, rejected.ID)
	assert.True(t, apperr.IsConflict(err))
	_, err = f.svc.Reject(ctx, rejected.ID)
	assert.True(t, apperr.IsConflict(err))

	completed := f.request(t)
	_, err = f.svc.Accept(ctx, completed.ID)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, completed.ID)
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, completed.ID)
	assert.True(t, apperr.IsConflict(err))
	_, err = f.svc.Reject(ctx, completed.ID)
	assert.True(t, apperr.IsConflict(err))

	assert.EqualValues(t, 1, f.matchCount(t))
	assert.Equal(t, 3+RiderBonus, f.user(t, "rider-b").EcoScore)
}

func TestAcceptTwiceCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t)

	_, err := f.svc.Accept(ctx, req.ID)
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, req.ID)
	assert.True(t, apperr.IsConflict(err))

	assert.EqualValues(t, 1, f.matchCount(t))
	assert.Equal(t, DriverBonus, f.user(t, "driver-a").EcoScore)
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t)

	var (
		wg        sync.WaitGroup
		wins      atomic.Int64
		conflicts atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Accept(ctx, req.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case apperr.IsConflict(err):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 19, conflicts.Load())
	assert.EqualValues(t, 1, f.matchCount(t))
	assert.Equal(t, 3+RiderBonus, f.user(t, "rider-b").EcoScore)
	assert.Equal(t, DriverBonus, f.user(t, "driver-a").EcoScore)
}

func TestAcceptReportsPartialFailure(t *testing.T) {
	mem := storage.NewMemoryStore()
	f := newFixtureWithStore(t, &failingStore{MemoryStore: mem, failInsert: models.RideMatchesCollection}, mem)
	ctx := context.Background()
	req := f.request(t)

	_, err := f.svc.Accept(ctx, req.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsDependency(err))
	assert.Contains(t, err.Error(), "insert match")

	// the remaining steps were still attempted
	assert.Equal(t, 3+RiderBonus, f.user(t, "rider-b").EcoScore)
	assert.Equal(t, DriverBonus, f.user(t, "driver-a").EcoScore)
	assert.Empty(t, f.notifier.accepted)

	stored, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, stored.Status)
}

func TestAcceptReportsMissingUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t)
	_, err := f.mem.DeleteOne(ctx, models.UsersCollection, storage.Filter{"id": "driver-a"})
	require.NoError(t, err)

	match, err := f.svc.Accept(ctx, req.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credit driver")
	assert.True(t, apperr.IsDependency(err))
	assert.Equal(t, http.StatusInternalServerError, apperr.Status(err))
	assert.Equal(t, req.ID, match.RequestID)
	assert.Equal(t, 3+RiderBonus, f.user(t, "rider-b").EcoScore)
	require.Len(t, f.notifier.accepted, 1)
}

func TestCompleteClosesMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t)

	_, err := f.svc.Complete(ctx, req.ID)
	assert.True(t, apperr.IsConflict(err), "pending rides cannot complete")

	match, err := f.svc.Accept(ctx, req.ID)
	require.NoError(t, err)
	done, err := f.svc.Complete(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)

	got, err := f.svc.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchCompleted, got.Status)
}

func TestPublishFailureDoesNotFailHandshake(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker down")
	req := f.request(t)
	_, err := f.svc.Accept(context.Background(), req.ID)
	assert.NoError(t, err)
}

func TestListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.request(t)
	second := f.request(t)
	_, err := f.svc.Accept(ctx, first.ID)
	require.NoError(t, err)

	pending, err := f.svc.PendingForDriver(ctx, "driver-a")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	mine, err := f.svc.ForRider(ctx, "rider-b")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	accepted, err := f.svc.List(ctx, models.StatusAccepted)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, first.ID, accepted[0].ID)

	all, err := f.svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.svc.GetMatch(ctx, "nope")
	assert.True(t, apperr.IsNotFound(err))
}
