package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/facevault/internal/apperr"
	"github.com/example/facevault/internal/engine"
	"github.com/example/facevault/internal/imageinput"
	"github.com/example/facevault/internal/repository"
)

type stubRepository struct {
	savedLogs   []*repository.VerificationLog
	saveErr     error
	findLog     *repository.VerificationLog
	findErr     error
	findCalls   int
	aggregation *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.VerificationLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggregation == nil {
		return &repository.MetricsAggregation{}, nil
	}
	return s.aggregation, nil
}

type stubCache struct {
	putErrs    []error
	lookupErrs []error
	records    [][]byte
	putIDs     []string
	putRecords [][]byte
	lookupIDs  []string
}

func (s *stubCache) Put(ctx context.Context, requestID string, record []byte) error {
	s.putIDs = append(s.putIDs, requestID)
	s.putRecords = append(s.putRecords, record)
	if len(s.putErrs) == 0 {
		return nil
	}
	err := s.putErrs[0]
	s.putErrs = s.putErrs[1:]
	return err
}

func (s *stubCache) Lookup(ctx context.Context, requestID string) ([]byte, error) {
	s.lookupIDs = append(s.lookupIDs, requestID)
	var record []byte
	if len(s.records) > 0 {
		record = s.records[0]
		s.records = s.records[1:]
	}
	var err error
	if len(s.lookupErrs) > 0 {
		err = s.lookupErrs[0]
		s.lookupErrs = s.lookupErrs[1:]
	}
	return record, err
}

type stubMatcher struct {
	tables  []engine.Table
	err     error
	queries []engine.Query
	roots   []string
	opts    []engine.Options
}

func (s *stubMatcher) Find(ctx context.Context, query engine.Query, root string, opts engine.Options) ([]engine.Table, error) {
	s.queries = append(s.queries, query)
	s.roots = append(s.roots, root)
	s.opts = append(s.opts, opts)
	if s.err != nil {
		return nil, s.err
	}
	return s.tables, nil
}

type stubPublisher struct {
	keys   []string
	events []any
	err    error
}

func (s *stubPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	s.keys = append(s.keys, routingKey)
	s.events = append(s.events, event)
	return s.err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func samplePath(parts ...string) string {
	return string(os.PathSeparator) + filepath.Join(parts...)
}

func matchTable() []engine.Table {
	return []engine.Table{{Rows: []engine.Row{
		{Path: samplePath("srv", "database", "alice", "2.png"), HasPath: true, Fields: []engine.Field{
			{Name: "distance", Value: 0.21}, {Name: "threshold", Value: 0.68},
		}},
		{Path: samplePath("srv", "database", "bob", "1.png"), HasPath: true, Fields: []engine.Field{
			{Name: "distance", Value: 0.5}, {Name: "threshold", Value: 0.68},
		}},
	}}}
}

var defaultOpts = engine.Options{ModelName: "VGG-Face", DetectorBackend: "opencv", DistanceMetric: "cosine", Align: true, EnforceDetection: true}

func TestVerifyShapesMatches(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{}
	publisher := &stubPublisher{}
	matcher := &stubMatcher{tables: matchTable()}
	uc := NewVerificationUseCase(matcher, "/srv/database", VerificationDeps{Repo: repo, Cache: cache, Publisher: publisher}, zap.NewNop())

	result, err := uc.Verify(context.Background(), &imageinput.Input{Ref: "data:image/png;base64,AAAA"}, defaultOpts, "svc-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !result.Verified || result.RequestID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Rows) != 2 || *result.Rows[0].ID != "alice" || *result.Rows[1].ID != "bob" {
		t.Fatalf("unexpected rows: %+v", result.Rows)
	}
	if matcher.roots[0] != "/srv/database" || matcher.queries[0].Ref != "data:image/png;base64,AAAA" {
		t.Fatalf("unexpected engine call: %+v %+v", matcher.roots, matcher.queries)
	}

	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}
	log := repo.savedLogs[0]
	if log.Outcome != OutcomeMatched || log.MatchedID == nil || *log.MatchedID != "alice" {
		t.Fatalf("unexpected log: %+v", log)
	}
	if log.Distance == nil || *log.Distance != 0.21 || log.Caller != "svc-1" || log.Candidates != 2 {
		t.Fatalf("unexpected log metrics: %+v", log)
	}
	if len(cache.putIDs) != 1 || cache.putIDs[0] != result.RequestID {
		t.Fatalf("unexpected cached ids: %v", cache.putIDs)
	}
	if len(publisher.keys) != 1 || publisher.keys[0] != "face.verified" {
		t.Fatalf("unexpected events: %v", publisher.keys)
	}
}

func TestVerifyEmptyResultIsNoMatch(t *testing.T) {
	for name, tables := range map[string][]engine.Table{
		"no tables":   nil,
		"empty first": {{Rows: nil}, matchTable()[0]},
	} {
		t.Run(name, func(t *testing.T) {
			repo := &stubRepository{}
			uc := NewVerificationUseCase(&stubMatcher{tables: tables}, "/db", VerificationDeps{Repo: repo}, zap.NewNop())

			result, err := uc.Verify(context.Background(), &imageinput.Input{Ref: "x"}, defaultOpts, "")
			if err != nil {
				t.Fatalf("expected success, got error: %v", err)
			}
			if result.Verified || result.Reason != ReasonNoMatch || result.Rows != nil {
				t.Fatalf("unexpected result: %+v", result)
			}
			if repo.savedLogs[0].Outcome != OutcomeNoMatch || repo.savedLogs[0].MatchedID != nil {
				t.Fatalf("unexpected log: %+v", repo.savedLogs[0])
			}
		})
	}
}

func TestVerifyMapsEngineErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		kind    apperr.Kind
		outcome string
		reason  string
	}{
		{"no face", &engine.ValidationError{Message: "Face could not be detected in numpy array."}, apperr.KindEngineDetection, OutcomeNoFace, ReasonNoFace},
		{"validation", &engine.ValidationError{Message: "Confirm that the image is valid"}, apperr.KindEngineValidation, OutcomeEngineValidation, ""},
		{"internal", errors.New("connection reset"), apperr.KindEngineInternal, OutcomeEngineError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubRepository{}
			uc := NewVerificationUseCase(&stubMatcher{err: tc.err}, "/db", VerificationDeps{Repo: repo}, zap.NewNop())

			result, err := uc.Verify(context.Background(), &imageinput.Input{Ref: "x"}, defaultOpts, "")
			if apperr.KindOf(err) != tc.kind {
				t.Fatalf("expected kind %s, got %v", tc.kind, err)
			}
			if result == nil || result.RequestID == "" || result.Reason != tc.reason {
				t.Fatalf("unexpected result: %+v", result)
			}
			if repo.savedLogs[0].Outcome != tc.outcome {
				t.Fatalf("unexpected outcome: %s", repo.savedLogs[0].Outcome)
			}
		})
	}
}

func TestVerifySendsBitmapAsRGBPNG(t *testing.T) {
	matcher := &stubMatcher{}
	uc := NewVerificationUseCase(matcher, "/db", VerificationDeps{}, zap.NewNop())
	bmp, err := imageinput.NewBitmap(1, 1, []uint8{10, 20, 30})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := uc.Verify(context.Background(), &imageinput.Input{Bitmap: bmp}, defaultOpts, ""); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	query := matcher.queries[0]
	if query.ImageMIME != "image/png" {
		t.Fatalf("unexpected mime: %s", query.ImageMIME)
	}
	img, err := png.Decode(bytes.NewReader(query.Image))
	if err != nil {
		t.Fatalf("query is not a png: %v", err)
	}
	got := color.NRGBAModel.Convert(img.At(0, 0)).(color.NRGBA)
	if got != (color.NRGBA{R: 30, G: 20, B: 10, A: 255}) {
		t.Fatalf("unexpected pixel: %+v", got)
	}
}

func TestVerifyRejectsNonStringInput(t *testing.T) {
	matcher := &stubMatcher{}
	uc := NewVerificationUseCase(matcher, "/db", VerificationDeps{}, zap.NewNop())

	_, err := uc.Verify(context.Background(), &imageinput.Input{Value: map[string]any{"a": 1}}, defaultOpts, "")
	if !apperr.Is(err, apperr.KindUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
	if len(matcher.queries) != 0 {
		t.Fatal("engine must not be called")
	}
}

func TestVerifyRetriesCachePut(t *testing.T) {
	cache := &stubCache{putErrs: []error{transientRedisError{}}}
	uc := NewVerificationUseCase(&stubMatcher{tables: matchTable()}, "/db", VerificationDeps{Cache: cache}, zap.NewNop())
	uc.initialBackoff = time.Millisecond

	if _, err := uc.Verify(context.Background(), &imageinput.Input{Ref: "x"}, defaultOpts, ""); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.putIDs) != 2 {
		t.Fatalf("expected 2 cache put calls (retry), got %d", len(cache.putIDs))
	}
	if cache.putIDs[0] != cache.putIDs[1] {
		t.Fatalf("expected retry to target same record, got %s and %s", cache.putIDs[0], cache.putIDs[1])
	}
}

func TestVerifyIgnoresSideChannelFailures(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	cache := &stubCache{putErrs: []error{errors.New("boom")}}
	publisher := &stubPublisher{err: errors.New("broker down")}
	uc := NewVerificationUseCase(&stubMatcher{tables: matchTable()}, "/db", VerificationDeps{Repo: repo, Cache: cache, Publisher: publisher}, zap.NewNop())

	result, err := uc.Verify(context.Background(), &imageinput.Input{Ref: "x"}, defaultOpts, "")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !result.Verified {
		t.Fatal("expected verified result")
	}
}

func TestGetResultReadsCache(t *testing.T) {
	payload, _ := json.Marshal(cachedVerification{RequestID: "req", Outcome: OutcomeMatched, Verified: true})
	cache := &stubCache{records: [][]byte{payload}}
	repo := &stubRepository{}
	uc := NewVerificationUseCase(&stubMatcher{}, "/db", VerificationDeps{Repo: repo, Cache: cache}, zap.NewNop())

	log, err := uc.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log.RequestID != "req" || !log.Verified {
		t.Fatalf("unexpected log: %+v", log)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected repository to be skipped, got %d calls", repo.findCalls)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{lookupErrs: []error{redis.Nil}}
	expected := &repository.VerificationLog{RequestID: "req", Outcome: OutcomeNoMatch}
	repo := &stubRepository{findLog: expected}
	uc := NewVerificationUseCase(&stubMatcher{}, "/db", VerificationDeps{Repo: repo, Cache: cache}, zap.NewNop())

	log, err := uc.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultWithoutAudit(t *testing.T) {
	uc := NewVerificationUseCase(&stubMatcher{}, "/db", VerificationDeps{}, zap.NewNop())

	if _, err := uc.GetResult(context.Background(), "req"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
	if _, err := uc.GetMetricsSummary(context.Background()); !errors.Is(err, ErrAuditDisabled) {
		t.Fatalf("expected ErrAuditDisabled, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{aggregation: &repository.MetricsAggregation{
		TotalCount: 4, VerifiedCount: 3, AverageDistance: 0.3, AverageLatencyMs: 120,
	}}
	uc := NewVerificationUseCase(&stubMatcher{}, "/db", VerificationDeps{Repo: repo}, zap.NewNop())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.VerifiedRate != 0.75 || summary.TotalRequests != 4 || summary.AverageLatencyMs != 120 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
