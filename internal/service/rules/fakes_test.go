package rules

import (
	"context"
	"sync"
	"time"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// fakeCacheRepo is an in-memory stand-in for the shared Redis tier.
type fakeCacheRepo struct {
	mu     sync.Mutex
	values map[string]string
	gets   int
	sets   int
}

func newFakeCacheRepo() *fakeCacheRepo {
	return &fakeCacheRepo{values: map[string]string{}}
}

func (f *fakeCacheRepo) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeCacheRepo) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.values[key] = value
	return nil
}

func (f *fakeCacheRepo) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

// fakeIOCRepo serves LookupHost from a fixed set and counts calls.
type fakeIOCRepo struct {
	mu      sync.Mutex
	byHost  map[string]*model.IOC
	lookups int
}

func newFakeIOCRepo(iocs ...*model.IOC) *fakeIOCRepo {
	f := &fakeIOCRepo{byHost: map[string]*model.IOC{}}
	for _, ioc := range iocs {
		f.byHost[ioc.Value] = ioc
	}
	return f
}

func (f *fakeIOCRepo) Create(_ context.Context, _ model.CreateIOCRequest) (*model.IOC, error) {
	return nil, nil
}

func (f *fakeIOCRepo) BulkCreate(_ context.Context, _ []model.CreateIOCRequest) (int, error) {
	return 0, nil
}

func (f *fakeIOCRepo) GetByID(_ context.Context, _ string) (*model.IOC, error) {
	return nil, nil
}

func (f *fakeIOCRepo) List(_ context.Context, _, _ int) ([]*model.IOC, error) {
	return nil, nil
}

func (f *fakeIOCRepo) Delete(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (f *fakeIOCRepo) LookupHost(_ context.Context, host string) (*model.IOC, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	for _, ioc := range f.byHost {
		if ioc.MatchesHost(host) {
			return ioc, nil
		}
	}
	return nil, nil
}

func (f *fakeIOCRepo) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

// fakeSeenStringRepo stores seen strings keyed by type:key.
type fakeSeenStringRepo struct {
	mu      sync.Mutex
	seen    map[string]*model.SeenString
	lookups int
	records int
}

func newFakeSeenStringRepo() *fakeSeenStringRepo {
	return &fakeSeenStringRepo{seen: map[string]*model.SeenString{}}
}

func (f *fakeSeenStringRepo) Lookup(_ context.Context, typ, key string) (*model.SeenString, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if s, ok := f.seen[typ+":"+key]; ok {
		return s, nil
	}
	return nil, apperrors.NotFound("seen string not found")
}

func (f *fakeSeenStringRepo) RecordSeen(_ context.Context, req model.RecordSeenStringRequest) (*model.SeenString, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records++
	s := &model.SeenString{
		ID:         req.Type + ":" + req.Key,
		Type:       req.Type,
		Key:        req.Key,
		LastCached: time.Now(),
	}
	f.seen[req.Type+":"+req.Key] = s
	return s, nil
}

func (f *fakeSeenStringRepo) DeleteOlderThan(_ context.Context, _ core.DeleteSeenStringsParams) (int64, error) {
	return 0, nil
}

// fakeAllowListRepo answers Contains from a fixed allow set.
type fakeAllowListRepo struct {
	mu       sync.Mutex
	allowed  map[string]bool
	contains int
}

func newFakeAllowListRepo(keys ...string) *fakeAllowListRepo {
	f := &fakeAllowListRepo{allowed: map[string]bool{}}
	for _, k := range keys {
		f.allowed[k] = true
	}
	return f
}

func (f *fakeAllowListRepo) Create(_ context.Context, req model.CreateAllowListRequest) (*model.AllowList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowed[req.Key] = true
	return &model.AllowList{ID: req.Key, Type: req.Type, Key: req.Key}, nil
}

func (f *fakeAllowListRepo) List(_ context.Context, _, _ int) ([]*model.AllowList, error) {
	return nil, nil
}

func (f *fakeAllowListRepo) Delete(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (f *fakeAllowListRepo) Contains(_ context.Context, _ model.AllowListType, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contains++
	return f.allowed[key], nil
}

// recordingCacheMetrics collects events for assertions.
type recordingCacheMetrics struct {
	mu     sync.Mutex
	events []CacheEvent
}

func (m *recordingCacheMetrics) RecordCacheEvent(e CacheEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *recordingCacheMetrics) count(tier CacheTier, op CacheOp) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Tier == tier && e.Op == op {
			n++
		}
	}
	return n
}
