package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/courierflow/dispatch/pkg/models"
)

// Validate is the shared validator instance with the dispatch tags
// registered. Services call it through ValidateStruct after binding.
var Validate = newValidator()

// phoneRegex matches E.164: optional plus, then 2 to 15 digits with no
// leading zero.
var phoneRegex = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Enumerations the custom tags accept, derived from the model constants
// so the validator cannot drift from the domain types.
var (
	orderStatuses = []string{
		string(models.OrderStatusPending),
		string(models.OrderStatusOffered),
		string(models.OrderStatusAssigned),
		string(models.OrderStatusPickedUp),
		string(models.OrderStatusDelivered),
		string(models.OrderStatusCancelled),
	}
	driverStatuses = []string{
		string(models.DriverStatusOffline),
		string(models.DriverStatusAvailable),
		string(models.DriverStatusEnRoutePickup),
		string(models.DriverStatusAtPickup),
		string(models.DriverStatusEnRouteDelivery),
		string(models.DriverStatusAtDelivery),
	}
	assignmentStatuses = []string{
		string(models.AssignmentStatusOffered),
		string(models.AssignmentStatusAccepted),
		string(models.AssignmentStatusRejected),
		string(models.AssignmentStatusExpired),
		string(models.AssignmentStatusCompleted),
		string(models.AssignmentStatusCancelled),
	}
	timePreferences = []string{"morning", "afternoon", "evening"}
)

func newValidator() *validator.Validate {
	v := validator.New()
	for tag, fn := range map[string]validator.Func{
		"latitude":          rangeTag(-90, 90),
		"longitude":         rangeTag(-180, 180),
		"phone":             func(fl validator.FieldLevel) bool { return phoneRegex.MatchString(fl.Field().String()) },
		"order_status":      enumTag(orderStatuses),
		"driver_status":     enumTag(driverStatuses),
		"assignment_status": enumTag(assignmentStatuses),
		"time_preference":   enumTag(timePreferences),
	} {
		_ = v.RegisterValidation(tag, fn)
	}
	return v
}

func rangeTag(min, max float64) validator.Func {
	return func(fl validator.FieldLevel) bool {
		val := fl.Field().Float()
		return val >= min && val <= max
	}
}

func enumTag(allowed []string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return contains(allowed, fl.Field().String())
	}
}

// ValidateStruct runs tag validation and folds failures into a
// ValidationError so callers get per-field messages.
func ValidateStruct(s interface{}) error {
	err := Validate.Struct(s)
	if err == nil {
		return nil
	}
	if fieldErrors, ok := err.(validator.ValidationErrors); ok {
		return NewValidationError(fieldErrors)
	}
	return err
}

// contains reports whether item matches an entry after trimming and
// lowercasing both sides. Query-string values arrive with stray case
// and whitespace; JSON bodies should behave identically.
func contains(allowed []string, item string) bool {
	item = strings.ToLower(strings.TrimSpace(item))
	for _, candidate := range allowed {
		if strings.ToLower(strings.TrimSpace(candidate)) == item {
			return true
		}
	}
	return false
}

// ValidatePhoneNumber reports whether phone is a plausible E.164 number.
func ValidatePhoneNumber(phone string) bool {
	return phoneRegex.MatchString(strings.TrimSpace(phone))
}

// ValidateCoordinates rejects points off the globe. Latitude is checked
// first so a doubly bad pair reports the latitude.
func ValidateCoordinates(latitude, longitude float64) error {
	if latitude < -90 || latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90, got: %f", latitude)
	}
	if longitude < -180 || longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180, got: %f", longitude)
	}
	return nil
}

// maxDistanceKm bounds any leg we would ever route. Nothing in a
// last-mile network legitimately comes close.
const maxDistanceKm = 10000

// ValidateDistance checks a distance in kilometers.
func ValidateDistance(distance float64) error {
	switch {
	case distance < 0:
		return fmt.Errorf("distance cannot be negative: %f", distance)
	case distance > maxDistanceKm:
		return fmt.Errorf("distance exceeds maximum allowed: %f", distance)
	}
	return nil
}

// ValidatePriority checks an order priority, 1 (lowest) through 10.
func ValidatePriority(priority int) error {
	if priority < 1 || priority > 10 {
		return fmt.Errorf("priority must be between 1 and 10, got: %d", priority)
	}
	return nil
}

// ValidateStringLength bounds the trimmed length of s. A max of zero
// disables the upper bound.
func ValidateStringLength(s string, min, max int) error {
	length := len(strings.TrimSpace(s))
	if length < min {
		return fmt.Errorf("string length must be at least %d characters, got: %d", min, length)
	}
	if max > 0 && length > max {
		return fmt.Errorf("string length must be at most %d characters, got: %d", max, length)
	}
	return nil
}

// ValidateUUID reports whether s is a canonically formatted UUID.
func ValidateUUID(s string) bool {
	return uuidRegex.MatchString(s)
}
