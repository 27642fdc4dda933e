package configstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kubepulse/internal/backends/sqlite"
	"kubepulse/internal/backends/sqlstore"
	"kubepulse/internal/types"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"
)

func bundle(server string) []byte {
	return []byte(fmt.Sprintf(`apiVersion: v1
kind: Config
clusters:
- name: c1
  cluster:
    server: %s
users:
- name: u1
  user:
    token: t0k3n
contexts:
- name: ctx1
  context:
    cluster: c1
    user: u1
current-context: ctx1
`, server))
}

const danglingBundle = `apiVersion: v1
kind: Config
clusters:
- name: c1
  cluster: {server: "https://a"}
users:
- name: u1
  user: {token: x}
contexts:
- name: ctx1
  context: {cluster: nope, user: u1}
`

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []Event
	err    error
}

func (p *recordingPublisher) PublishRaw(_ context.Context, topic string, payload []byte) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, ev)
	return p.err
}

// brokenBackend fails every call with a storage error.
type brokenBackend struct{}

func (brokenBackend) AddConfig(context.Context, types.ConfigRecord) error {
	return types.Err(types.ErrStorage, nil, "down")
}
func (brokenBackend) GetConfig(context.Context, string) (types.ConfigRecord, error) {
	return types.ConfigRecord{}, types.Err(types.ErrStorage, nil, "down")
}
func (brokenBackend) GetConfigMetadata(context.Context, string) (types.ConfigMetadata, error) {
	return types.ConfigMetadata{}, types.Err(types.ErrStorage, nil, "down")
}
func (brokenBackend) ListConfigs(context.Context) ([]types.ConfigRecord, error) {
	return nil, types.Err(types.ErrStorage, nil, "down")
}
func (brokenBackend) UpdateConfig(context.Context, types.ConfigRecord) error {
	return types.Err(types.ErrStorage, nil, "down")
}
func (brokenBackend) DeleteConfig(context.Context, string) error {
	return types.Err(types.ErrStorage, nil, "down")
}

type ConfigStoreTestSuite struct {
	suite.Suite

	ctx     context.Context
	backend *sqlstore.Store
	store   *Store
	pub     *recordingPublisher
}

func TestConfigStoreTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigStoreTestSuite))
}

func (s *ConfigStoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.backend = sqlite.New(filepath.Join(s.T().TempDir(), "configs.db"))
	s.Require().NoError(s.backend.Initialize(s.ctx))
	s.pub = &recordingPublisher{}
	s.store = New(s.backend, WithPublisher(s.pub, "arn:topic"))
}

func (s *ConfigStoreTestSuite) TearDownTest() {
	_ = s.backend.Close()
}

func (s *ConfigStoreTestSuite) TestAddGetRoundTrip() {
	b := bundle("https://one.example.com")
	id, err := s.store.Add(s.ctx, b, "one")
	s.Require().NoError(err)
	s.NotEmpty(id)

	got, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(b, got)

	md, err := s.store.GetMetadata(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(md.Created, md.Updated)
	s.Equal([]string{"ctx1"}, md.Endpoints)
	s.Equal("one", md.Name)
}

func (s *ConfigStoreTestSuite) TestGetReturnsCopy() {
	id, err := s.store.Add(s.ctx, bundle("https://a"), "a")
	s.Require().NoError(err)
	got, _ := s.store.Get(s.ctx, id)
	got[0] = 'X'
	again, _ := s.store.Get(s.ctx, id)
	s.Equal(bundle("https://a"), again)
}

func (s *ConfigStoreTestSuite) TestInvalidBundlesAreNeverStored() {
	for _, b := range [][]byte{nil, {}, []byte(danglingBundle), []byte("not: [yaml")} {
		_, err := s.store.Add(s.ctx, b, "bad")
		s.True(errors.Is(err, types.ErrValidation), string(b))
	}
	_, err := s.store.Add(s.ctx, bundle("https://a"), "")
	s.True(errors.Is(err, types.ErrValidation))

	list, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Empty(list)
}

func (s *ConfigStoreTestSuite) TestUpdateValidationLeavesRecord() {
	id, err := s.store.Add(s.ctx, bundle("https://a"), "a")
	s.Require().NoError(err)

	err = s.store.Update(s.ctx, id, []byte(danglingBundle), "a2")
	s.True(errors.Is(err, types.ErrValidation))

	got, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(bundle("https://a"), got)
	list, _ := s.store.List(s.ctx)
	s.Require().Len(list, 1)
	s.Equal("a", list[0].Name)
}

func (s *ConfigStoreTestSuite) TestUpdatePreservesCreated() {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.store.SetTimeNowFn(func() time.Time { return t0 })
	id, err := s.store.Add(s.ctx, bundle("https://a"), "a")
	s.Require().NoError(err)

	s.store.SetTimeNowFn(func() time.Time { return t0.Add(time.Hour) })
	s.Require().NoError(s.store.Update(s.ctx, id, bundle("https://b"), "b"))

	md, err := s.store.GetMetadata(s.ctx, id)
	s.Require().NoError(err)
	s.True(md.Created.Equal(t0))
	s.True(md.Updated.Equal(t0.Add(time.Hour)))
	s.Equal("b", md.Name)

	// the backend saw the same thing
	rec, err := s.backend.GetConfig(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(bundle("https://b"), rec.Bundle)
	s.True(rec.Created.Equal(t0))
}

func (s *ConfigStoreTestSuite) TestUnknownIDs() {
	id, err := s.store.Add(s.ctx, bundle("https://a"), "a")
	s.Require().NoError(err)

	s.True(errors.Is(s.store.Update(s.ctx, "missing", bundle("https://b"), "b"), types.ErrNotFound))
	s.True(errors.Is(s.store.Delete(s.ctx, "missing"), types.ErrNotFound))
	_, err = s.store.Get(s.ctx, "missing")
	s.True(errors.Is(err, types.ErrNotFound))

	got, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(bundle("https://a"), got)
}

func (s *ConfigStoreTestSuite) TestDelete() {
	id, err := s.store.Add(s.ctx, bundle("https://a"), "a")
	s.Require().NoError(err)
	s.Require().NoError(s.store.Delete(s.ctx, id))

	_, err = s.store.Get(s.ctx, id)
	s.True(errors.Is(err, types.ErrNotFound))
	_, err = s.backend.GetConfig(s.ctx, id)
	s.True(errors.Is(err, types.ErrNotFound))
}

func (s *ConfigStoreTestSuite) TestReadThroughFromBackend() {
	other := New(s.backend)
	id, err := other.Add(s.ctx, bundle("https://a"), "a")
	s.Require().NoError(err)

	got, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(bundle("https://a"), got)

	// second instance can update and delete records it never loaded
	s.Require().NoError(other.Update(s.ctx, id, bundle("https://b"), "b"))
}

func (s *ConfigStoreTestSuite) TestListSeesDeletionByOtherInstance() {
	keep, err := s.store.Add(s.ctx, bundle("https://a"), "keep")
	s.Require().NoError(err)
	gone, err := s.store.Add(s.ctx, bundle("https://b"), "gone")
	s.Require().NoError(err)

	other := New(s.backend)
	s.Require().NoError(other.Delete(s.ctx, gone))

	list, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(keep, list[0].ID)
}

func (s *ConfigStoreTestSuite) TestDeleteAfterDeletionByOtherInstance() {
	id, err := s.store.Add(s.ctx, bundle("https://a"), "stale")
	s.Require().NoError(err)

	other := New(s.backend)
	s.Require().NoError(other.Delete(s.ctx, id))

	s.NoError(s.store.Delete(s.ctx, id))
	_, err = s.store.Get(s.ctx, id)
	s.ErrorIs(err, types.ErrNotFound)
	s.ErrorIs(s.store.Delete(s.ctx, id), types.ErrNotFound)
}

func (s *ConfigStoreTestSuite) TestUpdateAfterDeletionByOtherInstance() {
	id, err := s.store.Add(s.ctx, bundle("https://a"), "stale")
	s.Require().NoError(err)

	other := New(s.backend)
	s.Require().NoError(other.Delete(s.ctx, id))

	err = s.store.Update(s.ctx, id, bundle("https://b"), "renamed")
	s.ErrorIs(err, types.ErrNotFound)
	_, err = s.store.Get(s.ctx, id)
	s.ErrorIs(err, types.ErrNotFound)
	_, err = s.store.GetMetadata(s.ctx, id)
	s.ErrorIs(err, types.ErrNotFound)
}

func (s *ConfigStoreTestSuite) TestConcurrentAdds() {
	const n = 100
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.store.Add(s.ctx, bundle(fmt.Sprintf("https://c%d.example.com", i)), fmt.Sprintf("c%d", i))
			s.NoError(err)
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	s.Len(seen, n)
	list, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Len(list, n)
}

func (s *ConfigStoreTestSuite) TestPublishesEvents() {
	id, err := s.store.Add(s.ctx, bundle("https://a"), "a")
	s.Require().NoError(err)
	s.Require().NoError(s.store.Update(s.ctx, id, bundle("https://b"), "b"))
	s.Require().NoError(s.store.Delete(s.ctx, id))

	s.Require().Len(s.pub.events, 3)
	s.Equal([]string{EventAdded, EventUpdated, EventDeleted},
		[]string{s.pub.events[0].Type, s.pub.events[1].Type, s.pub.events[2].Type})
	s.Equal(id, s.pub.events[2].ID)
	s.Equal("arn:topic", s.pub.topics[0])
}

func (s *ConfigStoreTestSuite) TestPublishFailureDoesNotFailMutation() {
	s.pub.err = errors.New("sns down")
	_, err := s.store.Add(s.ctx, bundle("https://a"), "a")
	s.NoError(err)
}

func (s *ConfigStoreTestSuite) TestListener() {
	var got []Event
	store := New(nil, WithListener(func(ev Event) { got = append(got, ev) }))
	id, err := store.Add(s.ctx, bundle("https://a"), "a")
	s.Require().NoError(err)
	s.Require().NoError(store.Delete(s.ctx, id))
	s.Len(got, 2)
}

func (s *ConfigStoreTestSuite) TestMemoryOnly() {
	store := New(nil)
	id, err := store.Add(s.ctx, bundle("https://a"), "a")
	s.Require().NoError(err)
	list, err := store.List(s.ctx)
	s.Require().NoError(err)
	s.Len(list, 1)
	s.Require().NoError(store.Delete(s.ctx, id))
	_, err = store.Get(s.ctx, id)
	s.True(errors.Is(err, types.ErrNotFound))
}

func (s *ConfigStoreTestSuite) TestBackendFailures() {
	store := New(brokenBackend{})
	_, err := store.Add(s.ctx, bundle("https://a"), "a")
	s.True(errors.Is(err, types.ErrStorage))

	// read-through miss against a broken backend is a miss
	_, err = store.Get(s.ctx, "anything")
	s.True(errors.Is(err, types.ErrNotFound))
	s.False(errors.Is(err, types.ErrStorage))

	list, err := store.List(s.ctx)
	s.True(errors.Is(err, types.ErrStorage))
	s.Nil(list)
}

func (s *ConfigStoreTestSuite) TestRESTConfig() {
	id, err := s.store.Add(s.ctx, bundle("https://api.example.com:6443"), "a")
	s.Require().NoError(err)

	rc, err := s.store.RESTConfig(s.ctx, id, "")
	s.Require().NoError(err)
	s.Equal("https://api.example.com:6443", rc.Host)
	s.Equal("t0k3n", rc.BearerToken)

	_, err = s.store.RESTConfig(s.ctx, id, "other")
	s.True(errors.Is(err, types.ErrNotFound))
}
