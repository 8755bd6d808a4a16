package drivers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierflow/dispatch/internal/geo"
	"github.com/courierflow/dispatch/pkg/models"
)

func setupTestContext(method, path string, body interface{}) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var req *http.Request
	if body != nil {
		bodyBytes, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(bodyBytes))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	c.Request = req

	return c, w
}

func parseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	return response
}

func newTestHandler() (*Handler, *fixture) {
	f := newFixture()
	return NewHandler(f.svc), f
}

func setDriverContext(c *gin.Context, driverID uuid.UUID) {
	c.Set("driver_id", driverID)
	c.Set("role", models.RoleDriver)
}

func setDispatcherContext(c *gin.Context) {
	c.Set("driver_id", uuid.New())
	c.Set("role", models.RoleDispatcher)
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestHandler_Register_Success(t *testing.T) {
	handler, f := newTestHandler()

	c, w := setupTestContext("POST", "/api/v1/drivers", models.RegisterDriverRequest{
		Name:        "Dana",
		Phone:       "+15550100",
		VehicleType: "bike",
	})
	handler.Register(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	response := parseResponse(w)
	assert.True(t, response["success"].(bool))

	data := response["data"].(map[string]interface{})
	assert.NotEmpty(t, data["token"])
	driver := data["driver"].(map[string]interface{})
	assert.Equal(t, "offline", driver["status"])
	assert.Len(t, f.store.drivers, 1)
}

func TestHandler_Register_MissingFields(t *testing.T) {
	handler, f := newTestHandler()

	c, w := setupTestContext("POST", "/api/v1/drivers", map[string]string{"name": "Dana"})
	handler.Register(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.store.drivers)
}

func TestHandler_Get_Success(t *testing.T) {
	handler, f := newTestHandler()
	d := f.addDriver(models.DriverStatusAvailable)

	c, w := setupTestContext("GET", "/api/v1/drivers/"+d.ID.String(), nil)
	c.Params = gin.Params{{Key: "id", Value: d.ID.String()}}

	handler.Get(c)

	assert.Equal(t, http.StatusOK, w.Code)
	response := parseResponse(w)
	data := response["data"].(map[string]interface{})
	assert.Equal(t, d.ID.String(), data["id"])
}

func TestHandler_Get_InvalidID(t *testing.T) {
	handler, _ := newTestHandler()

	c, w := setupTestContext("GET", "/api/v1/drivers/not-a-uuid", nil)
	c.Params = gin.Params{{Key: "id", Value: "not-a-uuid"}}

	handler.Get(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Get_NotFound(t *testing.T) {
	handler, _ := newTestHandler()

	id := uuid.New()
	c, w := setupTestContext("GET", "/api/v1/drivers/"+id.String(), nil)
	c.Params = gin.Params{{Key: "id", Value: id.String()}}

	handler.Get(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_UpdateStatus_Success(t *testing.T) {
	handler, f := newTestHandler()
	d := f.addDriver(models.DriverStatusOffline)

	c, w := setupTestContext("PUT", "/api/v1/drivers/"+d.ID.String()+"/status",
		models.UpdateDriverStatusRequest{Status: models.DriverStatusAvailable})
	c.Params = gin.Params{{Key: "id", Value: d.ID.String()}}
	setDriverContext(c, d.ID)

	handler.UpdateStatus(c)

	assert.Equal(t, http.StatusOK, w.Code)
	response := parseResponse(w)
	data := response["data"].(map[string]interface{})
	assert.Equal(t, "available", data["status"])
}

func TestHandler_UpdateStatus_InvalidTransition(t *testing.T) {
	handler, f := newTestHandler()
	d := f.addDriver(models.DriverStatusAvailable)

	c, w := setupTestContext("PUT", "/api/v1/drivers/"+d.ID.String()+"/status",
		models.UpdateDriverStatusRequest{Status: models.DriverStatusAtDelivery})
	c.Params = gin.Params{{Key: "id", Value: d.ID.String()}}
	setDriverContext(c, d.ID)

	handler.UpdateStatus(c)

	assert.Equal(t, http.StatusConflict, w.Code)
	response := parseResponse(w)
	errInfo := response["error"].(map[string]interface{})
	assert.Equal(t, "INVALID_STATUS_TRANSITION", errInfo["error_code"])
}

func TestHandler_UpdateStatus_UnknownStatusValue(t *testing.T) {
	handler, f := newTestHandler()
	d := f.addDriver(models.DriverStatusAvailable)

	c, w := setupTestContext("PUT", "/api/v1/drivers/"+d.ID.String()+"/status",
		map[string]string{"status": "flying"})
	c.Params = gin.Params{{Key: "id", Value: d.ID.String()}}
	setDriverContext(c, d.ID)

	handler.UpdateStatus(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.store.flips)
}

func TestHandler_UpdateStatus_ForbiddenForOtherDriver(t *testing.T) {
	handler, f := newTestHandler()
	d := f.addDriver(models.DriverStatusOffline)

	c, w := setupTestContext("PUT", "/api/v1/drivers/"+d.ID.String()+"/status",
		models.UpdateDriverStatusRequest{Status: models.DriverStatusAvailable})
	c.Params = gin.Params{{Key: "id", Value: d.ID.String()}}
	setDriverContext(c, uuid.New())

	handler.UpdateStatus(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.store.flips)
}

func TestHandler_UpdateStatus_Unauthenticated(t *testing.T) {
	handler, f := newTestHandler()
	d := f.addDriver(models.DriverStatusOffline)

	c, w := setupTestContext("PUT", "/api/v1/drivers/"+d.ID.String()+"/status",
		models.UpdateDriverStatusRequest{Status: models.DriverStatusAvailable})
	c.Params = gin.Params{{Key: "id", Value: d.ID.String()}}

	handler.UpdateStatus(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_UpdateLocation_Success(t *testing.T) {
	handler, f := newTestHandler()
	d := f.addDriver(models.DriverStatusAvailable)

	c, w := setupTestContext("PUT", "/api/v1/drivers/"+d.ID.String()+"/location",
		models.UpdateLocationRequest{Lat: 40.7128, Lng: -74.006})
	c.Params = gin.Params{{Key: "id", Value: d.ID.String()}}
	setDriverContext(c, d.ID)

	handler.UpdateLocation(c)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.store.recorded, 1)
	assert.Equal(t, d.ID, f.store.recorded[0].DriverID)
}

func TestHandler_UpdateLocation_OutOfRange(t *testing.T) {
	handler, f := newTestHandler()
	d := f.addDriver(models.DriverStatusAvailable)

	c, w := setupTestContext("PUT", "/api/v1/drivers/"+d.ID.String()+"/location",
		map[string]float64{"lat": 95.0, "lng": -74.006})
	c.Params = gin.Params{{Key: "id", Value: d.ID.String()}}
	setDriverContext(c, d.ID)

	handler.UpdateLocation(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.store.recorded)
}

func TestHandler_OfferedAssignments_DriverSeesOwnOffers(t *testing.T) {
	handler, f := newTestHandler()
	d := f.addDriver(models.DriverStatusAvailable)
	f.assigns.offers = []*models.Assignment{
		{ID: uuid.New(), DriverID: d.ID, Status: models.AssignmentStatusOffered},
	}

	c, w := setupTestContext("GET", "/api/v1/drivers/"+d.ID.String()+"/assignments/offered", nil)
	c.Params = gin.Params{{Key: "id", Value: d.ID.String()}}
	setDriverContext(c, d.ID)

	handler.OfferedAssignments(c)

	assert.Equal(t, http.StatusOK, w.Code)
	response := parseResponse(w)
	data := response["data"].([]interface{})
	assert.Len(t, data, 1)
}

func TestHandler_OfferedAssignments_DispatcherQueriesAnyDriver(t *testing.T) {
	handler, f := newTestHandler()
	d := f.addDriver(models.DriverStatusAvailable)

	c, w := setupTestContext("GET", "/api/v1/drivers/"+d.ID.String()+"/assignments/offered", nil)
	c.Params = gin.Params{{Key: "id", Value: d.ID.String()}}
	setDispatcherContext(c)

	handler.OfferedAssignments(c)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_Route_Success(t *testing.T) {
	handler, f := newTestHandler()
	d := f.addDriver(models.DriverStatusEnRoutePickup)
	f.index.locations[d.ID] = &geo.DriverLocation{DriverID: d.ID, Latitude: 40.71, Longitude: -74.01}
	f.assigns.legs = nil

	c, w := setupTestContext("GET", "/api/v1/drivers/"+d.ID.String()+"/route", nil)
	c.Params = gin.Params{{Key: "id", Value: d.ID.String()}}
	setDriverContext(c, d.ID)

	handler.Route(c)

	assert.Equal(t, http.StatusOK, w.Code)
	response := parseResponse(w)
	data := response["data"].(map[string]interface{})
	assert.Equal(t, d.ID.String(), data["driver_id"])
}

func TestHandler_Nearby_Success(t *testing.T) {
	handler, f := newTestHandler()
	d := f.addDriver(models.DriverStatusAvailable)
	f.index.nearby = []*geo.DriverLocation{
		{DriverID: d.ID, Latitude: 40.713, Longitude: -74.005, DistanceM: 150},
	}

	c, w := setupTestContext("GET", "/api/v1/drivers/nearby?lat=40.7128&lng=-74.006&radius=2000", nil)
	setDispatcherContext(c)

	handler.Nearby(c)

	assert.Equal(t, http.StatusOK, w.Code)
	response := parseResponse(w)
	data := response["data"].([]interface{})
	require.Len(t, data, 1)
	entry := data[0].(map[string]interface{})
	assert.Equal(t, 150.0, entry["distance_m"])
}

func TestHandler_Nearby_InvalidLat(t *testing.T) {
	handler, _ := newTestHandler()

	c, w := setupTestContext("GET", "/api/v1/drivers/nearby?lat=abc&lng=-74.006", nil)
	setDispatcherContext(c)

	handler.Nearby(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
