package dispatch

import (
	"log/slog"

	"github.com/example/campus-pool/internal/models"
	"github.com/example/campus-pool/internal/observability"
)

// Event kinds pushed over realtime channels.
const (
	KindDriverStatusUpdate = "driver_status_update"
	KindNewRoute           = "new_route"
	KindNewRideRequest     = "new_ride_request"
	KindRideAccepted       = "ride_accepted"
)

// Event is the JSON text frame sent to clients; Type tags which of the
// optional fields is populated.
type Event struct {
	Type      string              `json:"type"`
	UserID    string              `json:"user_id,omitempty"`
	IsDriving *bool               `json:"is_driving,omitempty"`
	Route     *models.DriverRoute `json:"route,omitempty"`
	Request   *models.RideRequest `json:"request,omitempty"`
	Match     *models.RideMatch   `json:"match,omitempty"`
}

// Channels is the fan-out surface of the connection registry.
type Channels interface {
	Unicast(userID string, event any) (bool, error)
	Broadcast(event any) (int, error)
}

// Dispatcher formats domain events and routes them to channels. Delivery is
// best-effort: a recipient without a live channel simply misses the event.
type Dispatcher struct {
	channels Channels
	logger   *slog.Logger
}

func NewDispatcher(channels Channels, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{channels: channels, logger: logger}
}

func (d *Dispatcher) DriverStatusChanged(userID string, isDriving bool) {
	d.broadcast(Event{Type: KindDriverStatusUpdate, UserID: userID, IsDriving: &isDriving})
}

func (d *Dispatcher) RoutePublished(route models.DriverRoute) {
	d.broadcast(Event{Type: KindNewRoute, Route: &route})
}

func (d *Dispatcher) RideRequested(req models.RideRequest) {
	d.unicast(req.DriverID, Event{Type: KindNewRideRequest, Request: &req})
}

func (d *Dispatcher) RideAccepted(match models.RideMatch) {
	d.unicast(match.RiderID, Event{Type: KindRideAccepted, Match: &match})
}

func (d *Dispatcher) broadcast(ev Event) {
	n, err := d.channels.Broadcast(ev)
	if err != nil {
		observability.Notifications.WithLabelValues(ev.Type, "broadcast", "error").Inc()
		d.logger.Error("broadcast failed", "kind", ev.Type, "error", err)
		return
	}
	observability.Notifications.WithLabelValues(ev.Type, "broadcast", "delivered").Add(float64(n))
	d.logger.Debug("broadcast", "kind", ev.Type, "recipients", n)
}

func (d *Dispatcher) unicast(userID string, ev Event) {
	ok, err := d.channels.Unicast(userID, ev)
	switch {
	case err != nil:
		observability.Notifications.WithLabelValues(ev.Type, "unicast", "error").Inc()
		d.logger.Error("unicast failed", "kind", ev.Type, "user_id", userID, "error", err)
	case !ok:
		observability.Notifications.WithLabelValues(ev.Type, "unicast", "dropped").Inc()
		d.logger.Debug("recipient offline", "kind", ev.Type, "user_id", userID)
	default:
		observability.Notifications.WithLabelValues(ev.Type, "unicast", "delivered").Inc()
	}
}
