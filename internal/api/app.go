package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"astroguard/internal/backends"
	"astroguard/internal/cache"
	"astroguard/internal/clients"
	"astroguard/internal/config"
	"astroguard/internal/guard"
	"astroguard/internal/monitor"
	"astroguard/internal/ports"
	"astroguard/internal/ratelimit"
	"astroguard/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// App is the assembled protection layer and the service clients that sit on it.
type App struct {
	Guard     *guard.Guard
	Astrology *clients.AstrologyClient
	Guidance  *clients.GuidanceClient
	SMS       *clients.SMSClient
	Registry  *prometheus.Registry

	adminToken string
}

// NewApp builds an App with the window store and cache tier selected from the environment.
func NewApp(ctx context.Context, s config.Settings, f types.ServicesFile, p ports.Publisher) (*App, error) {
	store, err := backends.WindowStoreFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("window store: %w", err)
	}
	tier, err := backends.CacheTierFromEnv()
	if err != nil {
		return nil, fmt.Errorf("cache tier: %w", err)
	}
	return Assemble(s, f, p, store, tier, clients.NewHTTPClient())
}

// Assemble wires the components over explicit backends. A nil store selects the in-process window store
// and a nil tier disables the shared cache tier.
func Assemble(s config.Settings, f types.ServicesFile, p ports.Publisher,
	store ports.WindowStore, tier ports.CacheTier, doer clients.HTTPDoer,
) (*App, error) {
	c := cache.NewAPIStore(cache.Options{Tier: tier})
	l := ratelimit.New(store, 0)
	m := monitor.New(0)
	m.ConfigureAlerts(f.Alerts)
	if s.AlertTopicARN != "" {
		m.AddAlertHandler(monitor.TopicHandler(p, s.AlertTopicARN))
	}

	g := guard.New(c, l, m)
	for _, svc := range f.Services {
		if err := g.Register(svc); err != nil {
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{cache.NewCollector(c), l, m, g} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	return &App{
		Guard:      g,
		Astrology:  clients.NewAstrologyClient(g, doer, s.ProkeralaClientID, s.ProkeralaClientSecret),
		Guidance:   clients.NewGuidanceClient(g, doer, s.OpenAIKey, s.OpenAIModel),
		SMS:        clients.NewSMSClient(g, p),
		Registry:   reg,
		adminToken: s.AdminToken,
	}, nil
}

// Start launches the background sweeps of the cache, the limiter and the monitor.
func (a *App) Start() { a.Guard.Start() }

func (a *App) Stop() { a.Guard.Stop() }

func newServer(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// RunServer runs the HTTP server. This is a blocking call.
func RunServer(port int, app *App) {
	srv := newServer(port, NewHandler(app).Router())
	app.Start()
	defer app.Stop()
	log.Printf("astroguard listening on %s\n", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}

// RunServerInterruptible runs the server in the background in a Go routine and immediately returns a chan to
// the caller. The caller can then send a signal to the chan to gracefully shutdown the server.
// It's up to the caller to wait for in the main Go routine to keep the server running.
func RunServerInterruptible(port int, app *App) (stop chan<- struct{}, done <-chan error) {
	srv := newServer(port, NewHandler(app).Router())

	// one-shot channels for control & completion
	stopCh := make(chan struct{})
	doneCh := make(chan error, 1) // buffered so goroutines can finish without blocking

	app.Start()
	go func() {
		log.Printf("astroguard listening on %s\n", srv.Addr)
		err := srv.ListenAndServe()
		// http.ErrServerClosed is returned on Shutdown; treat that as clean exit
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			doneCh <- err
			return
		}
		doneCh <- nil
	}()

	go func() {
		<-stopCh
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx) // graceful; in-flight requests get time to finish
		app.Stop()
	}()
	return stopCh, doneCh
}
