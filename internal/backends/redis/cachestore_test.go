package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"kubepulse/internal/types"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

// CacheStoreTestSuite requires a Redis server at TEST_REDIS_ADDR (e.g. localhost:46379).
type CacheStoreTestSuite struct {
	suite.Suite

	store *CacheStore
}

func TestCacheStoreTestSuite(t *testing.T) {
	if os.Getenv("TEST_REDIS_ADDR") == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	suite.Run(t, new(CacheStoreTestSuite))
}

func (s *CacheStoreTestSuite) SetupSuite() {
	cli := redis.NewClient(&redis.Options{Addr: os.Getenv("TEST_REDIS_ADDR")})
	s.store = NewCacheStore(cli)
	s.Require().NoError(s.store.Ping(context.Background()))
}

func (s *CacheStoreTestSuite) SetupTest() {
	s.Require().NoError(s.store.ClearCache(context.Background()))
}

func (s *CacheStoreTestSuite) TestRoundTrip() {
	ctx := context.Background()
	s.Require().NoError(s.store.SetCache(ctx, "k", []byte("value"), time.Now().Add(10*time.Second)))
	v, err := s.store.GetCache(ctx, "k")
	s.NoError(err)
	s.Equal([]byte("value"), v)
}

func (s *CacheStoreTestSuite) TestExpiry() {
	ctx := context.Background()
	s.Require().NoError(s.store.SetCache(ctx, "k", []byte("value"), time.Now().Add(1200*time.Millisecond)))
	time.Sleep(1500 * time.Millisecond)
	_, err := s.store.GetCache(ctx, "k")
	s.True(errors.Is(err, types.ErrNotFound))
}

func (s *CacheStoreTestSuite) TestAlreadyExpiredIsMiss() {
	ctx := context.Background()
	s.Require().NoError(s.store.SetCache(ctx, "k", []byte("value"), time.Now().Add(time.Minute)))
	s.Require().NoError(s.store.SetCache(ctx, "k", []byte("value"), time.Now().Add(-time.Second)))
	_, err := s.store.GetCache(ctx, "k")
	s.True(errors.Is(err, types.ErrNotFound))
}

func (s *CacheStoreTestSuite) TestClear() {
	ctx := context.Background()
	s.Require().NoError(s.store.SetCache(ctx, "a", []byte("1"), time.Now().Add(time.Minute)))
	s.Require().NoError(s.store.SetCache(ctx, "b", []byte("2"), time.Now().Add(time.Minute)))
	s.NoError(s.store.ClearCache(ctx))
	_, err := s.store.GetCache(ctx, "a")
	s.True(errors.Is(err, types.ErrNotFound))
}

func (s *CacheStoreTestSuite) TestDeleteExpiredUsesCutoff() {
	ctx := context.Background()
	now := time.Now()
	s.Require().NoError(s.store.SetCache(ctx, "soon", []byte("1"), now.Add(time.Hour)))
	s.Require().NoError(s.store.SetCache(ctx, "later", []byte("2"), now.Add(2*time.Hour)))

	n, err := s.store.DeleteExpiredCache(ctx, now.Add(90*time.Minute))
	s.NoError(err)
	s.EqualValues(1, n)

	_, err = s.store.GetCache(ctx, "soon")
	s.True(errors.Is(err, types.ErrNotFound))
	v, err := s.store.GetCache(ctx, "later")
	s.NoError(err)
	s.Equal([]byte("2"), v)
}

func (s *CacheStoreTestSuite) TestReadExpiryFollowsClock() {
	ctx := context.Background()
	now := time.Now()
	s.Require().NoError(s.store.SetCache(ctx, "k", []byte("value"), now.Add(time.Hour)))

	s.store.SetTimeNowFn(func() time.Time { return now.Add(2 * time.Hour) })
	defer s.store.SetTimeNowFn(time.Now)
	_, err := s.store.GetCache(ctx, "k")
	s.True(errors.Is(err, types.ErrNotFound))
}
