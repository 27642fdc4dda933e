// Package cluster builds, caches and lists through clients for stored cluster bundles.
package cluster

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
)

const DefaultClientTTL = 5 * time.Minute

// RESTConfigSource resolves a stored bundle context into a client configuration.
type RESTConfigSource interface {
	RESTConfig(ctx context.Context, id, contextName string) (*rest.Config, error)
}

type clientKey struct {
	configID string
	context  string
}

// ClientFactory hands out dynamic clients per (config ID, context), reusing them for ttl.
type ClientFactory struct {
	src       RESTConfigSource
	ttl       time.Duration
	clients   *TTL[clientKey, dynamic.Interface]
	newClient func(*rest.Config) (dynamic.Interface, error)
}

func NewClientFactory(src RESTConfigSource, ttl time.Duration) *ClientFactory {
	if ttl <= 0 {
		ttl = DefaultClientTTL
	}
	return &ClientFactory{
		src:     src,
		ttl:     ttl,
		clients: NewTTL[clientKey, dynamic.Interface](),
		newClient: func(c *rest.Config) (dynamic.Interface, error) {
			return dynamic.NewForConfig(c)
		},
	}
}

// SetClientFn replaces the dynamic client constructor.
func (f *ClientFactory) SetClientFn(fn func(*rest.Config) (dynamic.Interface, error)) {
	f.newClient = fn
}

func (f *ClientFactory) Dynamic(ctx context.Context, configID, contextName string) (dynamic.Interface, error) {
	k := clientKey{configID: configID, context: contextName}
	if c, ok := f.clients.Get(k); ok {
		return c, nil
	}
	rc, err := f.src.RESTConfig(ctx, configID, contextName)
	if err != nil {
		return nil, err
	}
	c, err := f.newClient(rc)
	if err != nil {
		return nil, err
	}
	f.clients.Set(k, c, f.ttl)
	return c, nil
}

// Invalidate drops every cached client built from configID.
func (f *ClientFactory) Invalidate(configID string) {
	n := f.clients.DeleteFunc(func(k clientKey) bool { return k.configID == configID })
	if n > 0 {
		log.WithFields(log.Fields{"component": "cluster", "config_id": configID, "clients": n}).Debug("Invalidated cached clients")
	}
}
