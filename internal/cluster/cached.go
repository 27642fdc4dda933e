package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kubepulse/internal/ports"
	"kubepulse/internal/types"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// CachedLister serves listings from the persistent cache table for ttl before asking next again. Cache
// failures degrade to a direct listing.
type CachedLister struct {
	next  ports.ResourceLister
	cache ports.CacheBackend
	ttl   time.Duration
	now   func() time.Time
}

func NewCachedLister(next ports.ResourceLister, cache ports.CacheBackend, ttl time.Duration) *CachedLister {
	return &CachedLister{next: next, cache: cache, ttl: ttl, now: time.Now}
}

func (l *CachedLister) List(ctx context.Context, configID, contextName string, gvr schema.GroupVersionResource, namespace string) ([]ports.ResourceRow, error) {
	key := ListCacheKey(configID, contextName, gvr, namespace)
	logger := log.WithFields(log.Fields{"component": "cluster", "config_id": configID, "key": key})

	b, err := l.cache.GetCache(ctx, key)
	switch {
	case err == nil:
		var rows []ports.ResourceRow
		if jerr := json.Unmarshal(b, &rows); jerr == nil {
			return rows, nil
		}
		logger.Warn("Discarding undecodable cache entry")
	case !errors.Is(err, types.ErrNotFound):
		logger.WithError(err).Warn("Cache read failed")
	}

	rows, err := l.next.List(ctx, configID, contextName, gvr, namespace)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(rows); err == nil {
		if err := l.cache.SetCache(ctx, key, b, l.now().Add(l.ttl)); err != nil {
			logger.WithError(err).Warn("Cache write failed")
		}
	}
	return rows, nil
}

// ListCacheKey is the cache table key of one listing.
func ListCacheKey(configID, contextName string, gvr schema.GroupVersionResource, namespace string) string {
	return fmt.Sprintf("list:%s:%s:%s:%s", configID, contextName, gvr.String(), namespace)
}
