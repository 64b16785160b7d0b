package models

import "time"

// Collection names shared by every storage backend.
const (
	UsersCollection         = "users"
	RoutesCollection        = "driver_routes"
	RideRequestsCollection  = "ride_requests"
	RideMatchesCollection   = "ride_matches"
	RatingsCollection       = "ratings"
	SubscriptionsCollection = "subscriptions"
	RatingTalliesCollection = "rating_tallies"
)

type College struct {
	ID    string `json:"id" bson:"id" validate:"required"`
	Name  string `json:"name" bson:"name" validate:"required"`
	Short string `json:"short" bson:"short"`
}

type User struct {
	ID          string    `json:"id" bson:"id"`
	Name        string    `json:"name" bson:"name"`
	Email       string    `json:"email" bson:"email"`
	College     College   `json:"college" bson:"college"`
	Department  string    `json:"department,omitempty" bson:"department,omitempty"`
	Semester    int       `json:"semester,omitempty" bson:"semester,omitempty"`
	Location    string    `json:"location,omitempty" bson:"location,omitempty"`
	EcoScore    int       `json:"ecoScore" bson:"ecoScore"`
	CarbonSaved float64   `json:"carbonSaved" bson:"carbonSaved"`
	Rating      float64   `json:"rating" bson:"rating"`
	Verified    bool      `json:"verified" bson:"verified"`
	IsDriving   bool      `json:"isDriving" bson:"isDriving"`
	IsDriver    bool      `json:"isDriver" bson:"isDriver"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

type Direction string

const (
	ToCollege   Direction = "to_college"
	FromCollege Direction = "from_college"
)

type PickupPoint struct {
	ID            string `json:"id" bson:"id"`
	Name          string `json:"name" bson:"name" validate:"required"`
	Landmark      string `json:"landmark,omitempty" bson:"landmark,omitempty"`
	EstimatedTime string `json:"estimatedTime" bson:"estimatedTime"`
}

type DriverRoute struct {
	ID             string        `json:"id" bson:"id"`
	DriverID       string        `json:"driver_id" bson:"driver_id"`
	DriverName     string        `json:"driver_name" bson:"driver_name"`
	Origin         string        `json:"origin" bson:"origin"`
	Destination    string        `json:"destination" bson:"destination"`
	Direction      Direction     `json:"direction" bson:"direction"`
	DepartureTime  string        `json:"departure_time" bson:"departure_time"`
	AvailableSeats int           `json:"available_seats" bson:"available_seats"`
	PricePerSeat   int           `json:"price_per_seat" bson:"price_per_seat"`
	Amenities      []string      `json:"amenities" bson:"amenities"`
	PickupPoints   []PickupPoint `json:"pickup_points" bson:"pickup_points"`
	IsActive       bool          `json:"is_active" bson:"is_active"`
	CreatedAt      time.Time     `json:"created_at" bson:"created_at"`
}

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusAccepted  RequestStatus = "accepted"
	StatusRejected  RequestStatus = "rejected"
	StatusCompleted RequestStatus = "completed"
)

// Terminal reports whether no further transition may leave s.
func (s RequestStatus) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted
}

type RideRequest struct {
	ID             string        `json:"id" bson:"id"`
	RiderID        string        `json:"rider_id" bson:"rider_id"`
	RiderName      string        `json:"rider_name" bson:"rider_name"`
	DriverID       string        `json:"driver_id" bson:"driver_id"`
	DriverName     string        `json:"driver_name" bson:"driver_name"`
	RouteID        string        `json:"route_id" bson:"route_id"`
	PickupLocation string        `json:"pickup_location" bson:"pickup_location"`
	PickupTime     string        `json:"pickup_time" bson:"pickup_time"`
	Status         RequestStatus `json:"status" bson:"status"`
	CreatedAt      time.Time     `json:"created_at" bson:"created_at"`
}

type MatchStatus string

const (
	MatchMatched    MatchStatus = "matched"
	MatchInProgress MatchStatus = "in_progress"
	MatchCompleted  MatchStatus = "completed"
)

type RideMatch struct {
	ID          string      `json:"id" bson:"id"`
	RequestID   string      `json:"request_id" bson:"request_id"`
	RiderID     string      `json:"rider_id" bson:"rider_id"`
	DriverID    string      `json:"driver_id" bson:"driver_id"`
	RouteID     string      `json:"route_id" bson:"route_id"`
	Status      MatchStatus `json:"status" bson:"status"`
	CarbonSaved float64     `json:"carbon_saved" bson:"carbon_saved"`
	SplitCost   int         `json:"split_cost" bson:"split_cost"`
	CreatedAt   time.Time   `json:"created_at" bson:"created_at"`
}

type Rating struct {
	ID          string    `json:"id" bson:"id"`
	RideID      string    `json:"ride_id" bson:"ride_id"`
	RiderID     string    `json:"rider_id" bson:"rider_id"`
	DriverID    string    `json:"driver_id" bson:"driver_id"`
	Smoothness  int       `json:"smoothness" bson:"smoothness"`
	Comfort     int       `json:"comfort" bson:"comfort"`
	Amenities   []string  `json:"amenities" bson:"amenities"`
	MatchReason string    `json:"match_reason,omitempty" bson:"match_reason,omitempty"`
	TrustScore  float64   `json:"trust_score" bson:"trust_score"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

type Subscription struct {
	ID             string    `json:"id" bson:"id"`
	UserID         string    `json:"user_id" bson:"user_id"`
	TierName       string    `json:"tier_name" bson:"tier_name"`
	Price          int       `json:"price" bson:"price"`
	RidesRemaining int       `json:"rides_remaining" bson:"rides_remaining"`
	Validity       string    `json:"validity" bson:"validity"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}

// CollegeStats is the admin counter snapshot for one college.
type CollegeStats struct {
	CollegeID        string  `json:"college_id"`
	TotalUsers       int64   `json:"total_users"`
	TotalDrivers     int64   `json:"total_drivers"`
	ActiveDrivers    int64   `json:"active_drivers"`
	ActiveRoutes     int64   `json:"active_routes"`
	TotalEcoScore    int64   `json:"total_eco_score"`
	TotalCarbonSaved float64 `json:"total_carbon_saved"`
}
