package distance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/httpclient"
	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/models"
	"github.com/courierflow/dispatch/pkg/resilience"
	"github.com/courierflow/dispatch/pkg/tracing"
	"go.uber.org/zap"
)

const (
	osrmRouteEndpoint = "/route/v1"
	osrmTableEndpoint = "/table/v1"
)

// OSRMProvider talks to an OSRM-compatible routing server.
type OSRMProvider struct {
	client  *httpclient.Client
	baseURL string
}

// NewOSRMProvider creates a provider against the given base URL with a
// per-call timeout.
func NewOSRMProvider(baseURL string, timeout time.Duration) *OSRMProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OSRMProvider{
		client:  httpclient.NewClient(baseURL, timeout),
		baseURL: baseURL,
	}
}

// Name returns the provider name.
func (p *OSRMProvider) Name() string {
	return "osrm"
}

// Route fetches distance and duration for one ordered pair.
func (p *OSRMProvider) Route(ctx context.Context, from, to models.Point, profile string) (*Leg, error) {
	if err := from.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidCoordinates, err)
	}
	if err := to.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidCoordinates, err)
	}

	params := url.Values{}
	params.Set("overview", "full")
	params.Set("geometries", "polyline")

	path := fmt.Sprintf("%s/%s/%s;%s?%s",
		osrmRouteEndpoint, profile,
		formatPoint(from), formatPoint(to),
		params.Encode(),
	)

	var body []byte
	err := tracing.TraceProviderCall(ctx, p.Name(), "route", 2, func(ctx context.Context) error {
		var err error
		body, err = p.client.Get(ctx, path, nil)
		return err
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}

	var resp osrmRouteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed route response: %v", common.ErrProviderRejected, err)
	}

	if resp.Code != "Ok" || len(resp.Routes) == 0 {
		logger.Warn("routing provider returned no route",
			zap.String("code", resp.Code),
			zap.String("message", resp.Message),
		)
		return nil, fmt.Errorf("%w: %s", common.ErrProviderRejected, resp.Code)
	}

	route := resp.Routes[0]
	return &Leg{
		DistanceM: route.Distance,
		DurationS: route.Duration,
		Geometry:  route.Geometry,
	}, nil
}

// Matrix fetches pairwise distances and durations for up to MaxMatrixPoints
// points in one call.
func (p *OSRMProvider) Matrix(ctx context.Context, req *MatrixRequest, profile string) (*MatrixResponse, error) {
	if len(req.Points) == 0 {
		return nil, fmt.Errorf("%w: empty point set", common.ErrInvalidCoordinates)
	}
	if len(req.Points) > MaxMatrixPoints {
		return nil, fmt.Errorf("%w: %d points exceeds matrix limit %d",
			common.ErrInvalidCoordinates, len(req.Points), MaxMatrixPoints)
	}
	for _, pt := range req.Points {
		if err := pt.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrInvalidCoordinates, err)
		}
	}

	coords := make([]string, len(req.Points))
	for i, pt := range req.Points {
		coords[i] = formatPoint(pt)
	}

	params := url.Values{}
	params.Set("annotations", "duration,distance")
	if len(req.Sources) > 0 {
		params.Set("sources", joinIndexes(req.Sources))
	}
	if len(req.Destinations) > 0 {
		params.Set("destinations", joinIndexes(req.Destinations))
	}

	path := fmt.Sprintf("%s/%s/%s?%s",
		osrmTableEndpoint, profile,
		strings.Join(coords, ";"),
		params.Encode(),
	)

	var body []byte
	err := tracing.TraceProviderCall(ctx, p.Name(), "table", len(req.Points), func(ctx context.Context) error {
		var err error
		body, err = p.client.Get(ctx, path, nil)
		return err
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}

	var resp osrmTableResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed table response: %v", common.ErrProviderRejected, err)
	}

	if resp.Code != "Ok" {
		return nil, fmt.Errorf("%w: %s", common.ErrProviderRejected, resp.Code)
	}

	return &MatrixResponse{
		DistancesM: resp.Distances,
		DurationsS: resp.Durations,
	}, nil
}

// formatPoint renders a point as the lon,lat pair the provider expects.
func formatPoint(p models.Point) string {
	return fmt.Sprintf("%f,%f", p.Lon, p.Lat)
}

func joinIndexes(idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ";")
}

// classifyProviderError maps transport failures onto the provider-error
// taxonomy: deadline and network failures are timeouts, HTTP 4xx means the
// request itself was bad, anything else is a rejection.
func classifyProviderError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", common.ErrProviderTimeout, err)
	}

	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) {
		// 408 and 429 are client-class codes but still worth another try.
		if !resilience.IsRetryableHTTPStatus(httpErr.StatusCode) && httpErr.StatusCode < 500 {
			return fmt.Errorf("%w: provider status %d", common.ErrInvalidCoordinates, httpErr.StatusCode)
		}
		return fmt.Errorf("%w: provider status %d", common.ErrProviderRejected, httpErr.StatusCode)
	}

	// url.Error wraps timeouts from the http client's own deadline.
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%w: %v", common.ErrProviderTimeout, err)
	}

	return fmt.Errorf("%w: %v", common.ErrProviderTimeout, err)
}

// OSRM response structures

type osrmRouteResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message,omitempty"`
	Routes  []osrmRoute `json:"routes"`
}

type osrmRoute struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
	Geometry string  `json:"geometry,omitempty"`
}

type osrmTableResponse struct {
	Code      string       `json:"code"`
	Message   string       `json:"message,omitempty"`
	Durations [][]*float64 `json:"durations"`
	Distances [][]*float64 `json:"distances"`
}
