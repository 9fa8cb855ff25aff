package models

import (
	"fmt"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
)

const PointType = "Point"

// Point is a GeoJSON point. Coordinates are [longitude, latitude].
type Point struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

func NewPoint(lon, lat float64) Point {
	return Point{Type: PointType, Coordinates: []float64{lon, lat}}
}

func (p Point) Lon() float64 {
	if len(p.Coordinates) < 1 {
		return 0
	}
	return p.Coordinates[0]
}

func (p Point) Lat() float64 {
	if len(p.Coordinates) < 2 {
		return 0
	}
	return p.Coordinates[1]
}

// Validate reports every way p fails to be a usable point. Field names are
// prefixed with field so problems from several points can be merged.
func (p Point) Validate(field string) []apperr.FieldError {
	if p.Type == "" && len(p.Coordinates) == 0 {
		return []apperr.FieldError{{Field: field, Message: "is required"}}
	}
	var out []apperr.FieldError
	if p.Type != PointType {
		out = append(out, apperr.FieldError{Field: field + ".type", Message: fmt.Sprintf("must be %q", PointType)})
	}
	if len(p.Coordinates) != 2 {
		return append(out, apperr.FieldError{Field: field + ".coordinates", Message: "must be a [longitude, latitude] pair"})
	}
	lon, lat := p.Coordinates[0], p.Coordinates[1]
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		out = append(out, apperr.FieldError{Field: field + ".coordinates[0]", Message: "longitude must be within [-180, 180]"})
	}
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		out = append(out, apperr.FieldError{Field: field + ".coordinates[1]", Message: "latitude must be within [-90, 90]"})
	}
	return out
}

func (p Point) Clone() Point {
	c := Point{Type: p.Type}
	if p.Coordinates != nil {
		c.Coordinates = append([]float64(nil), p.Coordinates...)
	}
	return c
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

// Identity is the authenticated caller as asserted by the identity service.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Driver struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	Location        *Point    `json:"location,omitempty"`
	IsAvailable     bool      `json:"isAvailable"`
	RatingsAverage  float64   `json:"ratingsAverage"`
	RatingsQuantity int       `json:"ratingsQuantity"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (d *Driver) Clone() *Driver {
	if d == nil {
		return nil
	}
	c := *d
	if d.Location != nil {
		loc := d.Location.Clone()
		c.Location = &loc
	}
	return &c
}

// PublicDriver is what a rider gets to see about the matched driver.
type PublicDriver struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Phone           string  `json:"phone,omitempty"`
	Location        *Point  `json:"location,omitempty"`
	RatingsAverage  float64 `json:"ratingsAverage"`
	RatingsQuantity int     `json:"ratingsQuantity"`
}

func (d *Driver) Public() PublicDriver {
	return PublicDriver{
		ID:              d.ID,
		Name:            d.Name,
		Phone:           d.Phone,
		Location:        d.Location,
		RatingsAverage:  d.RatingsAverage,
		RatingsQuantity: d.RatingsQuantity,
	}
}

type RideRequestStatus string

const (
	RideRequestPending  RideRequestStatus = "pending"
	RideRequestAccepted RideRequestStatus = "accepted"
	RideRequestRejected RideRequestStatus = "rejected"
)

type RideRequest struct {
	ID              string            `json:"id"`
	PickupLocation  Point             `json:"pickupLocation"`
	DropoffLocation Point             `json:"dropoffLocation"`
	UserID          string            `json:"userId"`
	DriverID        string            `json:"driverId"`
	Status          RideRequestStatus `json:"status"`
	RequestedAt     time.Time         `json:"requestedAt"`
	RespondedAt     *time.Time        `json:"respondedAt,omitempty"`
}

func (r *RideRequest) Clone() *RideRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.PickupLocation = r.PickupLocation.Clone()
	c.DropoffLocation = r.DropoffLocation.Clone()
	if r.RespondedAt != nil {
		t := *r.RespondedAt
		c.RespondedAt = &t
	}
	return &c
}

type TripStatus string

const (
	TripPending   TripStatus = "pending"
	TripOngoing   TripStatus = "ongoing"
	TripCompleted TripStatus = "completed"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

type PaymentMethod string

const (
	PaymentCash       PaymentMethod = "cash"
	PaymentCreditCard PaymentMethod = "credit_card"
)

type Trip struct {
	ID              string        `json:"id"`
	RideRequestID   string        `json:"rideRequestId"`
	PickupLocation  Point         `json:"pickupLocation"`
	DropoffLocation Point         `json:"dropoffLocation"`
	Fare            float64       `json:"fare"`
	Distance        float64       `json:"distance"`
	EstimatedTime   float64       `json:"estimatedTime"`
	Status          TripStatus    `json:"status"`
	PaymentStatus   PaymentStatus `json:"paymentStatus"`
	PaymentMethod   PaymentMethod `json:"paymentMethod"`
	UserID          string        `json:"userId"`
	DriverID        string        `json:"driverId"`
	RequestedAt     time.Time     `json:"requestedAt"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
}

func (t *Trip) Clone() *Trip {
	if t == nil {
		return nil
	}
	c := *t
	c.PickupLocation = t.PickupLocation.Clone()
	c.DropoffLocation = t.DropoffLocation.Clone()
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

type Review struct {
	ID        string    `json:"id"`
	Rating    int       `json:"rating"`
	Title     string    `json:"title,omitempty"`
	DriverID  string    `json:"driverId"`
	RiderID   string    `json:"riderId"`
	TripID    string    `json:"tripId"`
	CreatedAt time.Time `json:"createdAt"`
}

// RatingAggregate is the derived rating statistic stored on a driver.
type RatingAggregate struct {
	DriverID        string  `json:"driverId"`
	RatingsAverage  float64 `json:"ratingsAverage"`
	RatingsQuantity int     `json:"ratingsQuantity"`
}
