package models

import "fmt"

// Point is a WGS-84 coordinate stored longitude-first. API payloads present
// points as {lat, lng}; the JSON tags below take care of the conversion.
type Point struct {
	Lon float64 `json:"lng" db:"lon"`
	Lat float64 `json:"lat" db:"lat"`
}

// NewPoint builds a point from a latitude/longitude pair.
func NewPoint(lat, lon float64) Point {
	return Point{Lon: lon, Lat: lat}
}

// Validate checks WGS-84 coordinate ranges.
func (p Point) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude out of range: %f", p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("longitude out of range: %f", p.Lon)
	}
	return nil
}

// Equal reports exact coordinate equality.
func (p Point) Equal(other Point) bool {
	return p.Lon == other.Lon && p.Lat == other.Lat
}

func (p Point) String() string {
	return fmt.Sprintf("(%f,%f)", p.Lon, p.Lat)
}
