package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetMatchingCell_StableForSamePoint(t *testing.T) {
	a := GetMatchingCell(37.7749, -122.4194)
	b := GetMatchingCell(37.7749, -122.4194)

	assert.NotEmpty(t, a)
	assert.Equal(t, a, b)
}

func TestGetMatchingCell_DiffersAcrossCities(t *testing.T) {
	sf := GetMatchingCell(37.7749, -122.4194)
	nyc := GetMatchingCell(40.7128, -74.0060)

	assert.NotEqual(t, sf, nyc)
}

func TestGetSegmentCell_StableForSamePoint(t *testing.T) {
	a := GetSegmentCell(37.7749, -122.4194)
	b := GetSegmentCell(37.7749, -122.4194)

	assert.NotEmpty(t, a)
	assert.Equal(t, a, b)
	// Resolution is encoded in the index, so a segment bucket never collides
	// with a matching cell even for the same point.
	assert.NotEqual(t, GetMatchingCell(37.7749, -122.4194), a)
}

func TestGetSegmentCell_DiffersAcrossCities(t *testing.T) {
	sf := GetSegmentCell(37.7749, -122.4194)
	nyc := GetSegmentCell(40.7128, -74.0060)

	assert.NotEqual(t, sf, nyc)
}

func TestCellsStableUnderGPSJitter(t *testing.T) {
	// A metre of GPS jitter must not move a driver between cells, or
	// every location update would churn the cell tags.
	const jitter = 0.00001
	assert.Equal(t,
		GetMatchingCell(37.7749, -122.4194),
		GetMatchingCell(37.7749+jitter, -122.4194+jitter))
	assert.Equal(t,
		GetSegmentCell(37.7749, -122.4194),
		GetSegmentCell(37.7749+jitter, -122.4194+jitter))
}
