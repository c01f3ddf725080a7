package models

import "time"

// RideStatus is the lifecycle state of a ride.
type RideStatus string

const (
	StatusSearching  RideStatus = "SEARCHING"
	StatusAccepted   RideStatus = "ACCEPTED"
	StatusArrived    RideStatus = "ARRIVED"
	StatusInProgress RideStatus = "IN_PROGRESS"
	StatusCompleted  RideStatus = "COMPLETED"
	StatusCancelled  RideStatus = "CANCELLED"
)

// Role distinguishes the two kinds of authenticated callers.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// Tiers accepted on a ride request.
var Tiers = map[string]bool{
	"lite":    true,
	"comfort": true,
	"van":     true,
}

// Location is a coordinate plus the human-readable address it resolves to.
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address,omitempty"`
}

// Ride is one trip engagement. DriverID and Fare stay nil until a driver
// accepts; records are never deleted, only moved to a terminal status.
type Ride struct {
	ID          string     `json:"id"`
	RiderID     string     `json:"rider_id"`
	DriverID    *string    `json:"driver_id,omitempty"`
	Origin      Location   `json:"origin"`
	Destination Location   `json:"destination"`
	Status      RideStatus `json:"status"`
	Tier        string     `json:"tier"`
	Fare        *float64   `json:"fare,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Participant reports whether userID is the rider or the assigned driver.
func (r *Ride) Participant(userID string) bool {
	if r.RiderID == userID {
		return true
	}
	return r.DriverID != nil && *r.DriverID == userID
}

// Message is one chat line inside a ride's channel, immutable once stored.
type Message struct {
	ID        string    `json:"id"`
	RideID    string    `json:"ride_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// DriverLocation is the ephemeral geospatial fact held by the index.
type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RideRequest is the rider-supplied payload that opens a ride.
type RideRequest struct {
	RiderID     string   `json:"rider_id"`
	Origin      Location `json:"origin"`
	Destination Location `json:"destination"`
	Tier        string   `json:"tier"`
}
