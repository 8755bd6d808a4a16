package validation

import (
	"fmt"
	"time"

	"github.com/courierflow/dispatch/pkg/models"
)

// Business rules that binding tags cannot express. The handlers reject
// malformed JSON; these run in the services so that non-HTTP callers
// (seeders, tests, internal tooling) go through the same checks.

// ValidateOrderRequest checks an order intake request: coordinate ranges,
// a sane priority, and distinct pickup/dropoff points.
func ValidateOrderRequest(req *models.CreateOrderRequest) error {
	ve := &ValidationError{}

	if err := ValidateCoordinates(req.Pickup.Lat, req.Pickup.Lon); err != nil {
		ve.AddError("pickup", err.Error())
	}
	if err := ValidateCoordinates(req.Dropoff.Lat, req.Dropoff.Lon); err != nil {
		ve.AddError("dropoff", err.Error())
	}
	if err := ValidatePriority(req.Priority); err != nil {
		ve.AddError("priority", err.Error())
	}
	if req.Pickup == req.Dropoff {
		ve.AddError("location", "pickup and dropoff locations cannot be the same")
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// ValidateDriverRegistration checks a driver registration request beyond
// the struct tags: E.164 phone format and a plausible capacity.
func ValidateDriverRegistration(req *models.RegisterDriverRequest) error {
	ve := &ValidationError{}

	if err := ValidateStringLength(req.Name, 1, 100); err != nil {
		ve.AddError("name", err.Error())
	}
	if !ValidatePhoneNumber(req.Phone) {
		ve.AddError("phone", "phone must be in E.164 format")
	}
	// Zero means "use the default"; anything else must be in range.
	if req.MaxConcurrent != 0 && (req.MaxConcurrent < 1 || req.MaxConcurrent > 20) {
		ve.AddError("max_concurrent", fmt.Sprintf("max_concurrent must be between 1 and 20, got: %d", req.MaxConcurrent))
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// ValidateDateRange validates that end date is after start date.
func ValidateDateRange(start, end time.Time) error {
	if end.Before(start) {
		return &ValidationError{
			Errors: map[string]string{
				"date_range": "end date must be after start date",
			},
		}
	}
	return nil
}
