package campus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-pool/internal/apperr"
	"github.com/example/campus-pool/internal/ingest"
	"github.com/example/campus-pool/internal/models"
	"github.com/example/campus-pool/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) DriverStatusChanged(userID string, isDriving bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("status:%s:%t", userID, isDriving))
}

func (r *recorder) RoutePublished(route models.DriverRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "route:"+route.ID)
}

type eventSink struct{ events []ingest.Event }

func (e *eventSink) Publish(_ context.Context, ev ingest.Event) error {
	e.events = append(e.events, ev)
	return nil
}

var iitb = models.College{ID: "iitb", Name: "IIT Bombay", Short: "IITB"}

func newService() (*Service, *recorder, *eventSink) {
	rec := &recorder{}
	sink := &eventSink{}
	n := 0
	return &Service{
		Store:  storage.NewMemoryStore(),
		Notify: rec,
		Events: sink,
		Now:    func() time.Time { return time.Date(2026, 10, 18, 7, 30, 0, 0, time.UTC) },
		NewID:  func() string { n++; return "id-" + strconv.Itoa(n) },
	}, rec, sink
}

func mustUser(t *testing.T, s *Service, name string, college models.College) models.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), CreateUser{Name: name, Email: name + "@campus.edu", College: college})
	require.NoError(t, err)
	return u
}

func route(driverID string) PublishRoute {
	return PublishRoute{
		DriverID: driverID, Origin: "Andheri", Destination: "IIT Bombay",
		Direction: models.ToCollege, DepartureTime: "8:00 AM", AvailableSeats: 3, PricePerSeat: 40,
		PickupPoints: []models.PickupPoint{{Name: "Andheri Station", EstimatedTime: "8:05 AM"}},
	}
}

func TestCreateAndGetUser(t *testing.T) {
	s, _, _ := newService()
	ctx := context.Background()

	u := mustUser(t, s, "asha", iitb)
	assert.True(t, u.Verified)
	assert.Equal(t, 0, u.EcoScore)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "asha@campus.edu", got.Email)
	assert.Equal(t, "iitb", got.College.ID)

	_, err = s.GetUser(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))

	_, err = s.CreateUser(ctx, CreateUser{Name: "x", Email: "nope", College: iitb})
	assert.True(t, apperr.IsValidation(err))
	_, err = s.CreateUser(ctx, CreateUser{Name: "x", Email: "x@campus.edu"})
	assert.True(t, apperr.IsValidation(err), "college is required")
}

func TestPublishRouteMarksDriverAndBroadcasts(t *testing.T) {
	s, rec, sink := newService()
	ctx := context.Background()
	driver := mustUser(t, s, "asha", iitb)

	r, err := s.PublishRoute(ctx, route(driver.ID))
	require.NoError(t, err)
	assert.True(t, r.IsActive)
	assert.Equal(t, "asha", r.DriverName)
	require.Len(t, r.PickupPoints, 1)
	assert.NotEmpty(t, r.PickupPoints[0].ID)
	assert.Equal(t, []string{}, r.Amenities)

	got, err := s.GetUser(ctx, driver.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDriving)
	assert.True(t, got.IsDriver)

	assert.Equal(t, []string{"status:" + driver.ID + ":true", "route:" + r.ID}, rec.events)
	require.Len(t, sink.events, 1)
	assert.Equal(t, ingest.RoutePublished, sink.events[0].Type)

	active, err := s.ActiveRoutes(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestPublishRouteValidation(t *testing.T) {
	s, rec, _ := newService()
	ctx := context.Background()

	_, err := s.PublishRoute(ctx, route("ghost"))
	assert.True(t, apperr.IsNotFound(err))

	driver := mustUser(t, s, "asha", iitb)
	bad := route(driver.ID)
	bad.AvailableSeats = 0
	_, err = s.PublishRoute(ctx, bad)
	assert.True(t, apperr.IsValidation(err))

	bad = route(driver.ID)
	bad.Direction = "sideways"
	_, err = s.PublishRoute(ctx, bad)
	assert.True(t, apperr.IsValidation(err))

	bad = route(driver.ID)
	bad.PickupPoints = []models.PickupPoint{{Landmark: "no name"}}
	_, err = s.PublishRoute(ctx, bad)
	assert.True(t, apperr.IsValidation(err))

	assert.Empty(t, rec.events)
}

func TestDeactivateRoute(t *testing.T) {
	s, rec, _ := newService()
	ctx := context.Background()
	driver := mustUser(t, s, "asha", iitb)

	first, err := s.PublishRoute(ctx, route(driver.ID))
	require.NoError(t, err)
	second, err := s.PublishRoute(ctx, route(driver.ID))
	require.NoError(t, err)
	rec.events = nil

	r, err := s.DeactivateRoute(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, r.IsActive)
	u, err := s.GetUser(ctx, driver.ID)
	require.NoError(t, err)
	assert.True(t, u.IsDriving, "still has an active route")
	assert.Empty(t, rec.events)

	_, err = s.DeactivateRoute(ctx, second.ID)
	require.NoError(t, err)
	u, err = s.GetUser(ctx, driver.ID)
	require.NoError(t, err)
	assert.False(t, u.IsDriving)
	assert.True(t, u.IsDriver)
	assert.Equal(t, []string{"status:" + driver.ID + ":false"}, rec.events)

	// a second deactivate changes nothing
	_, err = s.DeactivateRoute(ctx, second.ID)
	require.NoError(t, err)
	assert.Len(t, rec.events, 1)

	_, err = s.DeactivateRoute(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))

	mine, err := s.RoutesForDriver(ctx, driver.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 2, "routes are never hard-deleted")
	active, err := s.ActiveRoutes(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDrivingStatusAndActiveDrivers(t *testing.T) {
	s, rec, _ := newService()
	ctx := context.Background()
	a := mustUser(t, s, "asha", iitb)
	b := mustUser(t, s, "bilal", models.College{ID: "vjti", Name: "VJTI"})

	_, err := s.SetDriving(ctx, a.ID, true)
	require.NoError(t, err)
	_, err = s.SetDriving(ctx, b.ID, true)
	require.NoError(t, err)

	all, err := s.ActiveDrivers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	mine, err := s.ActiveDrivers(ctx, "iitb")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	u, err := s.SetDriving(ctx, a.ID, false)
	require.NoError(t, err)
	assert.False(t, u.IsDriving)
	assert.Len(t, rec.events, 3)

	_, err = s.SetDriving(ctx, "ghost", true)
	assert.True(t, apperr.IsNotFound(err))
	assert.Len(t, rec.events, 3)
}

func TestUpdateLocationAndEcoScore(t *testing.T) {
	s, _, _ := newService()
	ctx := context.Background()
	u := mustUser(t, s, "asha", iitb)

	got, err := s.UpdateLocation(ctx, u.ID, "Powai")
	require.NoError(t, err)
	assert.Equal(t, "Powai", got.Location)
	_, err = s.UpdateLocation(ctx, u.ID, "")
	assert.True(t, apperr.IsValidation(err))

	got, err = s.SetEcoScore(ctx, u.ID, 120)
	require.NoError(t, err)
	assert.Equal(t, 120, got.EcoScore)
	_, err = s.SetEcoScore(ctx, u.ID, -1)
	assert.True(t, apperr.IsValidation(err))
	_, err = s.SetEcoScore(ctx, "ghost", 1)
	assert.True(t, apperr.IsNotFound(err))
}

func TestSubscriptions(t *testing.T) {
	s, _, _ := newService()
	ctx := context.Background()
	u := mustUser(t, s, "asha", iitb)

	sub, err := s.CreateSubscription(ctx, CreateSubscription{UserID: u.ID, TierName: "Monthly", Price: 499, RidesRemaining: 40, Validity: "30 days"})
	require.NoError(t, err)
	assert.Equal(t, 40, sub.RidesRemaining)

	_, err = s.CreateSubscription(ctx, CreateSubscription{UserID: "ghost", TierName: "Monthly", Validity: "30 days"})
	assert.True(t, apperr.IsNotFound(err))
	_, err = s.CreateSubscription(ctx, CreateSubscription{UserID: u.ID, TierName: "Monthly", RidesRemaining: -1, Validity: "30 days"})
	assert.True(t, apperr.IsValidation(err))

	subs, err := s.SubscriptionsForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, sub.ID, subs[0].ID)

	none, err := s.SubscriptionsForUser(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestCollegeStats(t *testing.T) {
	s, _, _ := newService()
	ctx := context.Background()
	a := mustUser(t, s, "asha", iitb)
	mustUser(t, s, "chetan", iitb)
	other := mustUser(t, s, "bilal", models.College{ID: "vjti", Name: "VJTI"})

	_, err := s.PublishRoute(ctx, route(a.ID))
	require.NoError(t, err)
	_, err = s.PublishRoute(ctx, route(other.ID))
	require.NoError(t, err)
	_, err = s.Store.UpdateOne(ctx, models.UsersCollection, storage.Filter{"id": a.ID},
		storage.Update{Inc: map[string]any{"ecoScore": 15, "carbonSaved": 2.5}})
	require.NoError(t, err)

	stats, err := s.CollegeStats(ctx, "iitb")
	require.NoError(t, err)
	assert.Equal(t, models.CollegeStats{
		CollegeID:        "iitb",
		TotalUsers:       2,
		TotalDrivers:     1,
		ActiveDrivers:    1,
		ActiveRoutes:     1,
		TotalEcoScore:    15,
		TotalCarbonSaved: 2.5,
	}, stats)

	empty, err := s.CollegeStats(ctx, "nowhere")
	require.NoError(t, err)
	assert.Equal(t, models.CollegeStats{CollegeID: "nowhere"}, empty)
}
