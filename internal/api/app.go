package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"kubepulse/internal/cluster"
	"kubepulse/internal/configstore"
	"kubepulse/internal/ports"
	"kubepulse/internal/settings"
	"kubepulse/internal/stream"
	"kubepulse/internal/tracing"

	log "github.com/sirupsen/logrus"
)

// App wires one process: storage, config registry, stream engine and the background loops.
type App struct {
	Settings   settings.Settings
	Store      ports.PersistentStore
	Configs    *configstore.Store
	Registry   *stream.Registry
	Engine     *stream.Engine
	Clients    *cluster.ClientFactory
	Recorder   *tracing.Recorder
	Maintainer *tracing.Maintainer
	Handler    *Handler
}

// NewApp initializes store and builds the App. lister may be nil to list through the stored bundles' clusters;
// publisher may be nil to disable change notifications.
func NewApp(ctx context.Context, st settings.Settings, store ports.PersistentStore, lister ports.ResourceLister, publisher ports.Publisher) (*App, error) {
	if err := store.Initialize(ctx); err != nil {
		return nil, err
	}

	a := &App{Settings: st, Store: store}
	opts := []configstore.Option{
		configstore.WithListener(func(ev configstore.Event) {
			if ev.Type != configstore.EventAdded && a.Clients != nil {
				a.Clients.Invalidate(ev.ID)
			}
		}),
	}
	if publisher != nil && st.SNSTopicARN != "" {
		opts = append(opts, configstore.WithPublisher(publisher, st.SNSTopicARN))
	}
	a.Configs = configstore.New(store, opts...)
	a.Clients = cluster.NewClientFactory(a.Configs, cluster.DefaultClientTTL)
	if lister == nil {
		lister = cluster.NewDynamicLister(a.Clients)
	}

	a.Registry = stream.NewRegistry(stream.RegistryOptions{
		SweepInterval: st.ReaperInterval,
		MaxAge:        st.ReaperMaxAge,
		IdleTimeout:   st.ReaperIdle,
	})
	a.Engine = stream.NewEngine(a.Registry)
	a.Recorder = tracing.NewRecorder(store)
	a.Maintainer = tracing.NewMaintainer(store, st.TraceRetention, st.MaintenanceInterval)

	h := NewHandler(a.Configs, store, a.Engine, lister)
	if st.ListCacheTTL > 0 {
		h.CachedLister = cluster.NewCachedLister(lister, store, st.ListCacheTTL)
	}
	h.Recorder = a.Recorder
	hooks := a.Recorder.StreamHooks()
	h.StreamOptions = stream.Options{Interval: st.StreamInterval, Timeout: st.StreamTimeout, Hooks: hooks}
	h.ExpensiveOptions = stream.Options{Interval: st.StreamExpensiveInterval, Timeout: st.StreamExpensiveTimeout, Hooks: hooks}
	a.Handler = h
	return a, nil
}

// Start runs the registry reaper and the maintenance loop until ctx is done or Close is called.
func (a *App) Start(ctx context.Context) {
	a.Registry.Start(ctx)
	a.Maintainer.Start(ctx)
}

// Close stops the background loops, waits for pending trace writes and closes the store.
func (a *App) Close() error {
	a.Registry.Stop()
	a.Maintainer.Stop()
	a.Recorder.Wait()
	return a.Store.Close()
}

func newServer(port int, h http.Handler, base context.Context) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		// streams live until the client leaves, so no WriteTimeout
		BaseContext: func(net.Listener) context.Context { return base },
	}
}

// RunServer runs the HTTP server. This is a blocking call.
func RunServer(port int, h http.Handler) error {
	srv := newServer(port, h, context.Background())
	log.Printf("kubepulse listening on %s\n", srv.Addr)
	return srv.ListenAndServe()
}

// RunServerInterruptible runs the server in the background in a Go routine and immediately returns a chan to
// the caller. The caller can then send a signal to the chan to gracefully shutdown the server.
// It's up to the caller to wait for in the main Go routine to keep the server running.
func RunServerInterruptible(port int, h http.Handler) (stop chan<- struct{}, done <-chan error) {
	// canceled on stop so open streams end instead of holding Shutdown open
	base, cancelBase := context.WithCancel(context.Background())
	srv := newServer(port, h, base)

	// one-shot channels for control & completion
	stopCh := make(chan struct{})
	doneCh := make(chan error, 1) // buffered so goroutines can finish without blocking

	// server goroutine
	go func() {
		log.Printf("kubepulse listening on %s\n", srv.Addr)
		err := srv.ListenAndServe()
		// http.ErrServerClosed is returned on Shutdown; treat that as clean exit
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancelBase()
			doneCh <- err
			return
		}
		doneCh <- nil
	}()

	go func() {
		<-stopCh
		cancelBase()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx) // graceful; in-flight requests get time to finish
	}()
	return stopCh, doneCh
}
