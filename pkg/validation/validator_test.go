package validation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierflow/dispatch/pkg/models"
)

// wantFieldError asserts that err is a ValidationError carrying an entry
// for the given field.
func wantFieldError(t *testing.T, err error, field string) {
	t.Helper()
	require.Error(t, err)
	vErr, ok := err.(*ValidationError)
	require.True(t, ok, "expected *ValidationError, got %T", err)
	_, exists := vErr.GetFieldError(field)
	assert.True(t, exists, "no error recorded for field %q: %v", field, vErr.Errors)
}

func TestValidatePhoneNumber(t *testing.T) {
	good := []string{
		"+14155552671",
		"14155552671",
		"+1234",
		"+123456789012345", // 15 digits, E.164 maximum
		" +14155552671",    // surrounding whitespace is trimmed
	}
	for _, phone := range good {
		assert.True(t, ValidatePhoneNumber(phone), "expected %q to be accepted", phone)
	}

	bad := []string{
		"",
		"+",
		"01234567890",      // leading zero
		"+1415abc2671",     // letters
		"+1234567890123456", // 16 digits
		"+1-415-555-2671",  // separators are not part of E.164
		"+1 415 555 2671",
	}
	for _, phone := range bad {
		assert.False(t, ValidatePhoneNumber(phone), "expected %q to be rejected", phone)
	}
}

func TestValidateCoordinates(t *testing.T) {
	good := [][2]float64{
		{0, 0},
		{52.5200, 13.4050},
		{90, 180}, {-90, -180}, // corners of the valid envelope
	}
	for _, pair := range good {
		assert.NoError(t, ValidateCoordinates(pair[0], pair[1]))
	}

	t.Run("latitude out of range", func(t *testing.T) {
		for _, lat := range []float64{90.1, -90.1, 100} {
			err := ValidateCoordinates(lat, 0)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "latitude")
		}
	})

	t.Run("longitude out of range", func(t *testing.T) {
		for _, lng := range []float64{180.1, -180.1, 360} {
			err := ValidateCoordinates(0, lng)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "longitude")
		}
	})

	t.Run("latitude reported first when both invalid", func(t *testing.T) {
		err := ValidateCoordinates(100, 200)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "latitude")
	})
}

func TestValidateDistance(t *testing.T) {
	for _, km := range []float64{0, 0.001, 15.5, 10000} {
		assert.NoError(t, ValidateDistance(km))
	}

	err := ValidateDistance(-1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")

	err = ValidateDistance(10001)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestValidatePriority(t *testing.T) {
	for p := 1; p <= 10; p++ {
		assert.NoError(t, ValidatePriority(p))
	}
	for _, p := range []int{0, 11, -1, 100} {
		err := ValidatePriority(p)
		require.Error(t, err, "priority %d", p)
		assert.Contains(t, err.Error(), "priority must be between 1 and 10")
	}
}

func TestValidateStringLength(t *testing.T) {
	assert.NoError(t, ValidateStringLength("depot-7", 1, 10))
	assert.NoError(t, ValidateStringLength("a", 1, 10), "exact minimum")
	assert.NoError(t, ValidateStringLength("abcdefghij", 1, 10), "exact maximum")

	err := ValidateStringLength("", 1, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least")

	err = ValidateStringLength("abcdefghijk", 1, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most")

	t.Run("zero max disables the upper bound", func(t *testing.T) {
		assert.NoError(t, ValidateStringLength("an arbitrarily long display name", 1, 0))
	})

	t.Run("length measured after trimming", func(t *testing.T) {
		err := ValidateStringLength("  ab  ", 5, 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least")
		assert.NoError(t, ValidateStringLength("  abcde  ", 5, 10))
	})
}

func TestValidateUUID(t *testing.T) {
	good := []string{
		"550e8400-e29b-41d4-a716-446655440000",
		"abcdef01-2345-6789-abcd-ef0123456789",
		"ABCDEF01-2345-6789-ABCD-EF0123456789",
		"AbCdEf01-2345-6789-aBcD-Ef0123456789",
	}
	for _, s := range good {
		assert.True(t, ValidateUUID(s), "expected %q to be accepted", s)
	}

	bad := []string{
		"",
		"550e8400e29b41d4a716446655440000", // no dashes
		"550e8400-e29b-41d4-a716",          // truncated
		"not-a-uuid-at-all",
		"550e8400-e29b-41d4-a716-446655440000x", // trailing junk
		"550e840g-e29b-41d4-a716-446655440000",  // g is not hex
	}
	for _, s := range bad {
		assert.False(t, ValidateUUID(s), "expected %q to be rejected", s)
	}
}

func TestValidateDateRange(t *testing.T) {
	now := time.Now()

	assert.NoError(t, ValidateDateRange(now, now.Add(time.Hour)))
	assert.NoError(t, ValidateDateRange(now, now), "zero-length window is allowed")
	assert.NoError(t, ValidateDateRange(now, now.Add(365*24*time.Hour)))

	wantFieldError(t, ValidateDateRange(now.Add(time.Hour), now), "date_range")
}

func TestValidationError(t *testing.T) {
	t.Run("Error lists every field", func(t *testing.T) {
		ve := &ValidationError{Errors: map[string]string{
			"phone":    "phone is required",
			"priority": "priority out of range",
		}}
		msg := ve.Error()
		assert.Contains(t, msg, "phone: phone is required")
		assert.Contains(t, msg, "priority: priority out of range")
	})

	t.Run("AddError initializes a nil map", func(t *testing.T) {
		var ve ValidationError
		ve.AddError("pickup", "pickup is required")
		require.NotNil(t, ve.Errors)

		msg, exists := ve.GetFieldError("pickup")
		assert.True(t, exists)
		assert.Equal(t, "pickup is required", msg)
	})

	t.Run("HasErrors", func(t *testing.T) {
		ve := &ValidationError{Errors: make(map[string]string)}
		assert.False(t, ve.HasErrors())
		ve.AddError("x", "y")
		assert.True(t, ve.HasErrors())
	})

	t.Run("GetFieldError misses unknown fields", func(t *testing.T) {
		ve := &ValidationError{Errors: map[string]string{"name": "name is required"}}
		_, exists := ve.GetFieldError("missing")
		assert.False(t, exists)
	})
}

type taggedRequest struct {
	Latitude   float64 `validate:"latitude"`
	Longitude  float64 `validate:"longitude"`
	Phone      string  `validate:"omitempty,phone"`
	Status     string  `validate:"omitempty,order_status"`
	Driver     string  `validate:"omitempty,driver_status"`
	Assignment string  `validate:"omitempty,assignment_status"`
	Preference string  `validate:"omitempty,time_preference"`
}

func TestValidateStructCustomTags(t *testing.T) {
	t.Run("all tags accept valid values", func(t *testing.T) {
		assert.NoError(t, ValidateStruct(&taggedRequest{
			Latitude:   52.52,
			Longitude:  13.405,
			Phone:      "+14155552671",
			Status:     "pending",
			Driver:     "en_route_pickup",
			Assignment: "offered",
			Preference: "morning",
		}))
	})

	invalid := map[string]taggedRequest{
		"Latitude":   {Latitude: 91},
		"Longitude":  {Longitude: -181},
		"Phone":      {Phone: "not-a-phone"},
		"Status":     {Status: "in_flight"},
		"Driver":     {Driver: "busy"},
		"Assignment": {Assignment: "pending"},
		"Preference": {Preference: "midnight"},
	}
	for field, req := range invalid {
		t.Run("rejects bad "+field, func(t *testing.T) {
			wantFieldError(t, ValidateStruct(&req), field)
		})
	}
}

func TestValidateOrderRequest(t *testing.T) {
	valid := func() *models.CreateOrderRequest {
		return &models.CreateOrderRequest{
			Pickup:   models.NewPoint(40.7128, -74.0060),
			Dropoff:  models.NewPoint(40.7580, -73.9855),
			Priority: 5,
		}
	}

	assert.NoError(t, ValidateOrderRequest(valid()))

	t.Run("pickup equal to dropoff", func(t *testing.T) {
		req := valid()
		req.Dropoff = req.Pickup
		wantFieldError(t, ValidateOrderRequest(req), "location")
	})

	t.Run("pickup off the globe", func(t *testing.T) {
		req := valid()
		req.Pickup = models.NewPoint(91, 0)
		wantFieldError(t, ValidateOrderRequest(req), "pickup")
	})

	t.Run("priority out of range", func(t *testing.T) {
		req := valid()
		req.Priority = 11
		wantFieldError(t, ValidateOrderRequest(req), "priority")
	})
}

func TestValidateDriverRegistration(t *testing.T) {
	valid := func() models.RegisterDriverRequest {
		return models.RegisterDriverRequest{
			Name:          "Jordan Smith",
			Phone:         "+14155552671",
			VehicleType:   "van",
			MaxConcurrent: 3,
		}
	}

	assert.NoError(t, ValidateDriverRegistration(func() *models.RegisterDriverRequest { r := valid(); return &r }()))

	t.Run("zero capacity falls back to the default", func(t *testing.T) {
		req := valid()
		req.MaxConcurrent = 0
		req.VehicleType = "cargo_bike"
		assert.NoError(t, ValidateDriverRegistration(&req))
	})

	cases := []struct {
		name   string
		mutate func(*models.RegisterDriverRequest)
		field  string
	}{
		{"malformed phone", func(r *models.RegisterDriverRequest) { r.Phone = "not-a-phone" }, "phone"},
		{"empty name", func(r *models.RegisterDriverRequest) { r.Name = "" }, "name"},
		{"capacity too high", func(r *models.RegisterDriverRequest) { r.MaxConcurrent = 21 }, "max_concurrent"},
		{"negative capacity", func(r *models.RegisterDriverRequest) { r.MaxConcurrent = -1 }, "max_concurrent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid()
			tc.mutate(&req)
			wantFieldError(t, ValidateDriverRegistration(&req), tc.field)
		})
	}
}

// Status matching is case- and whitespace-insensitive so that values
// arriving from query strings behave the same as JSON bodies.
func TestContainsNormalizesInput(t *testing.T) {
	statuses := []string{"available", "offline"}

	assert.True(t, contains(statuses, "available"))
	assert.True(t, contains(statuses, "AVAILABLE"))
	assert.True(t, contains(statuses, " available "))
	assert.False(t, contains(statuses, "en_route"))
	assert.False(t, contains(statuses, ""))
	assert.False(t, contains(nil, "available"))

	for i, s := range []string{"Offline", "\toffline\n"} {
		assert.True(t, contains(statuses, s), fmt.Sprintf("case %d: %q", i, s))
	}
}
