package distance

import (
	"context"
	"fmt"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/async"
	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/geo"
	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/models"
	"github.com/courierflow/dispatch/pkg/resilience"
)

// Store is the persistent layer behind the in-memory cache.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	GetBatch(ctx context.Context, keys []string) (map[string]*Entry, error)
	Put(ctx context.Context, entry *Entry) error
}

// Oracle answers (meters, seconds) for ordered geo-point pairs. Reads go
// through an in-memory TTL cache, then the persistent cache, then the
// road-network provider. Provider calls run through a circuit breaker and
// get one retry on transient failure; cache fills are best-effort and
// asynchronous.
type Oracle struct {
	provider Provider
	store    Store
	l1       *gocache.Cache
	breaker  *resilience.CircuitBreaker
	cfg      config.DistanceConfig
	now      func() time.Time
}

// NewOracle wires the oracle. breaker may be nil, in which case provider
// calls run unprotected (used by tests and CLIs).
func NewOracle(provider Provider, store Store, breaker *resilience.CircuitBreaker, cfg config.DistanceConfig) *Oracle {
	l1TTL := cfg.L1TTL()
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}

	return &Oracle{
		provider: provider,
		store:    store,
		l1:       gocache.New(l1TTL, 2*l1TTL),
		breaker:  breaker,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock replaces the oracle's clock. Tests use this to control expiry.
func (o *Oracle) WithClock(now func() time.Time) *Oracle {
	o.now = now
	return o
}

// Leg returns the road-network distance and duration for one ordered pair.
func (o *Oracle) Leg(ctx context.Context, from, to models.Point) (*Leg, error) {
	if err := from.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCoordinateOutOfRange, err)
	}
	if err := to.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCoordinateOutOfRange, err)
	}

	if SameCell(from, to) {
		return &Leg{}, nil
	}

	key := CacheKey(from, to, o.cfg.Profile)

	if cached, ok := o.l1.Get(key); ok {
		recordCacheLookup("l1", true)
		leg := cached.(Leg)
		return &leg, nil
	}
	recordCacheLookup("l1", false)

	if entry, err := o.store.Get(ctx, key); err != nil {
		// A broken cache store never blocks a read; fall through to the provider.
		logger.WarnContext(ctx, "distance cache read failed",
			zap.String("key", key),
			zap.Error(err),
		)
	} else if entry != nil {
		recordCacheLookup("store", true)
		leg := Leg{DistanceM: entry.DistanceM, DurationS: entry.DurationS}
		if entry.Geometry != nil {
			leg.Geometry = *entry.Geometry
		}
		o.l1.SetDefault(key, leg)
		return &leg, nil
	} else {
		recordCacheLookup("store", false)
	}

	leg, err := o.fetchRoute(ctx, from, to)
	if err != nil {
		return nil, err
	}

	o.l1.SetDefault(key, *leg)
	o.writeBack(ctx, key, leg)

	return leg, nil
}

// MatrixFor returns pairwise distances and durations for a point set. Cached
// pairs are served without provider calls; the rest are fetched in batched
// table requests. On provider failure the matrix comes back partially filled
// with the unresolved pairs listed in Missing, never an error: matching
// degrades to fewer candidates instead of aborting.
func (o *Oracle) MatrixFor(ctx context.Context, points []models.Point) (*Matrix, error) {
	n := len(points)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty point set", common.ErrInvalidCoordinates)
	}
	for _, p := range points {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrCoordinateOutOfRange, err)
		}
	}

	matrix := newMatrix(n)
	if n == 1 {
		return matrix, nil
	}

	// Resolve what we can from cache. Keys are symmetric, so one entry
	// answers both (i,j) and (j,i).
	keys := make(map[pairKey]string, n*n/2)
	keyList := make([]string, 0, n*n/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if SameCell(points[i], points[j]) {
				continue
			}
			k := CacheKey(points[i], points[j], o.cfg.Profile)
			keys[pairKey{i, j}] = k
			keyList = append(keyList, k)
		}
	}

	cached, err := o.store.GetBatch(ctx, keyList)
	if err != nil {
		logger.WarnContext(ctx, "distance cache batch read failed", zap.Error(err))
		cached = map[string]*Entry{}
	}

	unresolved := make(map[int]struct{})
	missing := make([]pairKey, 0)
	for pk, k := range keys {
		if leg, ok := o.l1.Get(k); ok {
			recordCacheLookup("l1", true)
			l := leg.(Leg)
			fillSymmetric(matrix, pk.i, pk.j, l.DistanceM, l.DurationS)
			continue
		}
		if entry, ok := cached[k]; ok {
			recordCacheLookup("store", true)
			fillSymmetric(matrix, pk.i, pk.j, entry.DistanceM, entry.DurationS)
			o.l1.SetDefault(k, Leg{DistanceM: entry.DistanceM, DurationS: entry.DurationS})
			continue
		}
		recordCacheLookup("store", false)
		missing = append(missing, pk)
		unresolved[pk.i] = struct{}{}
		unresolved[pk.j] = struct{}{}
	}

	if len(missing) == 0 {
		return matrix, nil
	}

	// Batch the involved points through the table API, chunked to the
	// provider's point cap.
	involved := make([]int, 0, len(unresolved))
	for idx := range unresolved {
		involved = append(involved, idx)
	}
	sort.Ints(involved)

	resolved := o.fetchMatrixChunks(ctx, points, involved)

	stillMissing := make([]PairIndex, 0)
	for _, pk := range missing {
		leg, ok := resolved[pairKey{pk.i, pk.j}]
		if !ok {
			leg, ok = resolved[pairKey{pk.j, pk.i}]
		}
		if !ok {
			stillMissing = append(stillMissing,
				PairIndex{From: pk.i, To: pk.j},
				PairIndex{From: pk.j, To: pk.i},
			)
			continue
		}
		fillSymmetric(matrix, pk.i, pk.j, leg.DistanceM, leg.DurationS)
		key := keys[pk]
		o.l1.SetDefault(key, leg)
		o.writeBack(ctx, key, &leg)
	}

	if len(stillMissing) > 0 {
		matrixPartialFills.Inc()
		logger.WarnContext(ctx, "distance matrix partially filled",
			zap.Int("points", n),
			zap.Int("missing_pairs", len(stillMissing)/2),
		)
	}
	matrix.Missing = stillMissing

	return matrix, nil
}

// WithinPreFilter reports whether the pair is close enough to be worth a
// provider round trip. Great-circle distance keeps the check deterministic.
func (o *Oracle) WithinPreFilter(from, to models.Point) bool {
	limit := o.cfg.PreFilterKm
	if limit <= 0 {
		limit = 100
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) <= limit
}

// FallbackLeg estimates a leg from the great-circle distance at city speed.
// Used when the provider cannot answer and the caller opts to degrade.
func FallbackLeg(from, to models.Point) *Leg {
	distanceM := geo.HaversineM(from.Lat, from.Lon, to.Lat, to.Lon)
	return &Leg{
		DistanceM: distanceM,
		DurationS: geo.EstimateSeconds(distanceM),
	}
}

// fetchRoute calls the provider through the breaker, retrying once on
// transient failure.
func (o *Oracle) fetchRoute(ctx context.Context, from, to models.Point) (*Leg, error) {
	call := func(ctx context.Context) (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout())
		defer cancel()
		return o.provider.Route(callCtx, from, to, o.cfg.Profile)
	}

	result, err := o.execute(ctx, call)
	if err != nil && common.IsTransient(err) {
		result, err = o.execute(ctx, call)
	}
	recordProviderCall("route", err)
	if err != nil {
		return nil, err
	}

	leg, ok := result.(*Leg)
	if !ok || leg == nil {
		return nil, fmt.Errorf("%w: unexpected provider response", common.ErrProviderRejected)
	}
	return leg, nil
}

type pairKey struct{ i, j int }

// fetchMatrixChunks covers all pairs among the involved point indexes with
// table calls of at most the provider cap, stitching answers into a pair map.
// Failed chunks are skipped; their pairs stay unresolved.
func (o *Oracle) fetchMatrixChunks(ctx context.Context, points []models.Point, involved []int) map[pairKey]Leg {
	resolved := make(map[pairKey]Leg)

	limit := o.cfg.MaxMatrixPoints
	if limit <= 0 || limit > MaxMatrixPoints {
		limit = MaxMatrixPoints
	}
	// Cross-chunk calls combine two chunks into one request, so halve the
	// chunk size whenever one chunk cannot hold everything.
	if len(involved) > limit {
		limit = limit / 2
		if limit < 1 {
			limit = 1
		}
	}

	chunks := chunkIndexes(involved, limit)
	for ci, sources := range chunks {
		for cj, destinations := range chunks {
			if cj < ci {
				continue // symmetric keys make the transpose redundant
			}
			o.fetchChunkPair(ctx, points, sources, destinations, resolved)
		}
	}

	return resolved
}

// fetchChunkPair issues one table call for sources×destinations and stitches
// the answer. Within a single chunk (sources == destinations) one call covers
// all internal pairs.
func (o *Oracle) fetchChunkPair(ctx context.Context, points []models.Point, sources, destinations []int, resolved map[pairKey]Leg) {
	// Build the combined point list: sources first, then destinations not
	// already present.
	pointIdx := make([]int, 0, len(sources)+len(destinations))
	seen := make(map[int]int)
	for _, s := range sources {
		seen[s] = len(pointIdx)
		pointIdx = append(pointIdx, s)
	}
	destPos := make([]int, 0, len(destinations))
	for _, d := range destinations {
		pos, ok := seen[d]
		if !ok {
			pos = len(pointIdx)
			seen[d] = pos
			pointIdx = append(pointIdx, d)
		}
		destPos = append(destPos, pos)
	}

	if len(pointIdx) > MaxMatrixPoints {
		// Caller chunking guarantees this only happens when two distinct
		// chunks are combined; split the destination side and recurse.
		half := len(destinations) / 2
		if half == 0 {
			return
		}
		o.fetchChunkPair(ctx, points, sources, destinations[:half], resolved)
		o.fetchChunkPair(ctx, points, sources, destinations[half:], resolved)
		return
	}

	reqPoints := make([]models.Point, len(pointIdx))
	for i, idx := range pointIdx {
		reqPoints[i] = points[idx]
	}
	srcPos := make([]int, len(sources))
	for i := range sources {
		srcPos[i] = i
	}

	req := &MatrixRequest{
		Points:       reqPoints,
		Sources:      srcPos,
		Destinations: destPos,
	}

	call := func(ctx context.Context) (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout())
		defer cancel()
		return o.provider.Matrix(callCtx, req, o.cfg.Profile)
	}

	result, err := o.execute(ctx, call)
	if err != nil && common.IsTransient(err) {
		result, err = o.execute(ctx, call)
	}
	recordProviderCall("matrix", err)
	if err != nil {
		logger.WarnContext(ctx, "distance matrix chunk failed",
			zap.Int("sources", len(sources)),
			zap.Int("destinations", len(destinations)),
			zap.Error(err),
		)
		return
	}

	resp, ok := result.(*MatrixResponse)
	if !ok || resp == nil {
		return
	}

	for si, srcIdx := range sources {
		if si >= len(resp.DurationsS) {
			break
		}
		for di, dstIdx := range destinations {
			if srcIdx == dstIdx || di >= len(resp.DurationsS[si]) {
				continue
			}
			dur := resp.DurationsS[si][di]
			var dist *float64
			if si < len(resp.DistancesM) && di < len(resp.DistancesM[si]) {
				dist = resp.DistancesM[si][di]
			}
			if dur == nil || dist == nil {
				continue
			}
			resolved[pairKey{srcIdx, dstIdx}] = Leg{DistanceM: *dist, DurationS: *dur}
		}
	}
}

func (o *Oracle) execute(ctx context.Context, call resilience.Operation) (interface{}, error) {
	if o.breaker == nil {
		return call(ctx)
	}
	result, err := o.breaker.Execute(ctx, call)
	if err != nil {
		// An open breaker behaves like a rejected provider: transient,
		// skippable, retry-later.
		if err == resilience.ErrCircuitOpen {
			return nil, fmt.Errorf("%w: circuit open", common.ErrProviderRejected)
		}
		return nil, err
	}
	return result, nil
}

// writeBack persists a fetched leg without blocking or failing the read.
func (o *Oracle) writeBack(ctx context.Context, key string, leg *Leg) {
	now := o.now()
	entry := &Entry{
		Key:       key,
		DistanceM: leg.DistanceM,
		DurationS: leg.DurationS,
		CreatedAt: now,
		ExpiresAt: now.Add(o.cfg.CacheTTL()),
	}
	if leg.Geometry != "" {
		geometry := leg.Geometry
		entry.Geometry = &geometry
	}

	async.GoWithTimeout(ctx, "distance-cache-write", 10*time.Second, func(ctx context.Context) {
		if err := o.store.Put(ctx, entry); err != nil {
			cacheWriteFailures.Inc()
			logger.WarnContext(ctx, "distance cache write failed",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	})
}

func fillSymmetric(m *Matrix, i, j int, distanceM, durationS float64) {
	m.DistancesM[i][j] = distanceM
	m.DistancesM[j][i] = distanceM
	m.DurationsS[i][j] = durationS
	m.DurationsS[j][i] = durationS
}

func chunkIndexes(idx []int, size int) [][]int {
	if len(idx) <= size {
		return [][]int{idx}
	}
	chunks := make([][]int, 0, (len(idx)+size-1)/size)
	for start := 0; start < len(idx); start += size {
		end := start + size
		if end > len(idx) {
			end = len(idx)
		}
		chunks = append(chunks, idx[start:end])
	}
	return chunks
}
