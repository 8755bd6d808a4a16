package geo

import (
	"github.com/uber/h3-go/v4"
)

// H3 resolutions, per https://h3geo.org/docs/core-library/restable.
const (
	// resolutionMatching tags driver locations (~175m edge). Fine enough
	// that crossing a cell boundary means the driver actually moved.
	resolutionMatching = 9

	// resolutionSegment buckets travel-time observations by endpoint
	// pair (~1.2 km edge). Coarser, so a pair accumulates enough
	// samples to estimate a distribution.
	resolutionSegment = 7
)

// GetMatchingCell returns the cell index string that tags a driver
// location in Redis.
func GetMatchingCell(lat, lng float64) string {
	return cellAt(lat, lng, resolutionMatching)
}

// GetSegmentCell returns the cell index string that buckets a
// travel-time observation endpoint.
func GetSegmentCell(lat, lng float64) string {
	return cellAt(lat, lng, resolutionSegment)
}

func cellAt(lat, lng float64, resolution int) string {
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), resolution)
	if err != nil {
		// Out-of-range coordinates are rejected upstream by validation;
		// the zero cell keeps key construction total.
		return h3.Cell(0).String()
	}
	return cell.String()
}
