// Package pricing quotes fare and estimated duration for a new trip.
package pricing

import (
	"fmt"
	"math"
)

// Quote is the price and duration attached to a trip at creation.
type Quote struct {
	Fare             float64
	EstimatedMinutes float64
}

// Quoter is the interface used by the trip manager to price a trip.
type Quoter interface {
	Quote(distanceKm float64) Quote
}

// Fixed ignores distance and always returns the configured placeholders.
type Fixed struct {
	Fare             float64
	EstimatedMinutes float64
}

func (f Fixed) Quote(float64) Quote {
	return Quote{Fare: f.Fare, EstimatedMinutes: f.EstimatedMinutes}
}

// DistanceRated charges a base fare plus a per-km rate and estimates the
// duration from an average speed.
type DistanceRated struct {
	BaseFare float64
	PerKm    float64
	SpeedKmh float64
}

func (d DistanceRated) Quote(distanceKm float64) Quote {
	speed := d.SpeedKmh
	if speed <= 0 {
		speed = 28.8 // ~8 m/s city speed
	}
	return Quote{
		Fare:             round2(d.BaseFare + d.PerKm*distanceKm),
		EstimatedMinutes: math.Ceil(distanceKm / speed * 60),
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// New picks a Quoter by mode name.
func New(mode string, fixed Fixed, rated DistanceRated) (Quoter, error) {
	switch mode {
	case "", "fixed":
		return fixed, nil
	case "distance":
		return rated, nil
	default:
		return nil, fmt.Errorf("unknown pricing mode %q", mode)
	}
}
