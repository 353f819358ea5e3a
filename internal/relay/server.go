// Package relay implements the node side of the wire protocol: the
// sidecar-header request handler and the WebSocket tunnel, served behind a
// chi router with health and metrics endpoints.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/DragonSecurity/ferry/pkg/bare"
	"github.com/DragonSecurity/ferry/pkg/util"
)

type ACMEConfig struct {
	Enable   bool
	Email    string
	CacheDir string
	// DNSProvider switches to certmagic DNS-01 ("cloudflare" or "route53").
	// Empty means autocert HTTP-01.
	DNSProvider     string
	CA              string
	CloudflareToken string
	Host            string
}

type Config struct {
	PublicAddr string
	ACME       ACMEConfig
	// FetchTimeout bounds one relayed fetch against the target.
	FetchTimeout time.Duration
}

// Metrics
var (
	metricActiveTunnels = prom.NewGauge(prom.GaugeOpts{
		Name: "ferry_active_tunnels",
		Help: "Number of open WebSocket tunnels.",
	})
	metricRequestsTotal = prom.NewCounterVec(prom.CounterOpts{
		Name: "ferry_relay_requests_total",
		Help: "Total relayed requests.",
	}, []string{"method", "outcome"})
	metricRequestDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Name:    "ferry_relay_request_seconds",
		Help:    "Duration of relayed requests.",
		Buckets: prom.DefBuckets,
	}, []string{"method", "outcome"})
)

func init() {
	prom.MustRegister(metricActiveTunnels, metricRequestsTotal, metricRequestDuration)
}

func Run(ctx context.Context, cfg Config, log *util.Logger) error {
	h := newHandler(cfg, log)
	r := routes(h)

	if cfg.ACME.Enable {
		if cfg.ACME.DNSProvider != "" {
			return runWithCertMagic(ctx, cfg, r, log)
		}
		return runWithACME(ctx, cfg, r, log)
	}
	srv := &http.Server{
		Addr:              cfg.PublicAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serveAndWait(ctx, srv, log)
}

// routes builds the node's public surface: index, health, metrics and the
// versioned protocol endpoint.
func routes(h *handler) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Unversioned root lists the protocol versions this node speaks.
	r.Get("/", indexHandler)
	r.Get("/bare/", indexHandler)
	r.Get("/bare", indexHandler)

	endpoint := "/bare/" + bare.APIVersion
	for _, p := range []string{endpoint, endpoint + "/"} {
		r.HandleFunc(p, func(w http.ResponseWriter, req *http.Request) {
			if isUpgrade(req) {
				h.serveTunnel(w, req)
				return
			}
			h.serveFetch(w, req)
		})
	}
	return r
}

func indexHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"versions": bare.Versions,
		"language": "Go",
		"project":  "ferry",
	})
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func runWithACME(ctx context.Context, cfg Config, h http.Handler, log *util.Logger) error {
	if cfg.ACME.Host == "" {
		return errors.New("acme host is required")
	}
	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.ACME.Host),
		Email:      cfg.ACME.Email,
		Cache:      autocert.DirCache(cfg.ACME.CacheDir),
	}

	// :80 answers challenges and redirects everything else to HTTPS.
	httpSrv := &http.Server{
		Addr: ":80",
		Handler: mgr.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			to := "https://" + hostOnly(r.Host) + r.URL.RequestURI()
			http.Redirect(w, r, to, http.StatusMovedPermanently)
		})),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpsSrv := &http.Server{
		Addr:              cfg.PublicAddr,
		Handler:           h,
		TLSConfig:         mgr.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	go func() { errCh <- httpsSrv.ListenAndServeTLS("", "") }()

	log.Infof("ACME enabled: HTTP on :80 (challenges+redirect), HTTPS on %s for %s", cfg.PublicAddr, cfg.ACME.Host)

	select {
	case <-ctx.Done():
		_ = httpSrv.Shutdown(context.Background())
		_ = httpsSrv.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func runWithCertMagic(ctx context.Context, cfg Config, h http.Handler, log *util.Logger) error {
	tlsConf, err := makeCertMagic(ctx, cfg)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.PublicAddr,
		Handler:           h,
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s (dns-01 via %s)", srv.Addr, cfg.ACME.DNSProvider)
		errCh <- srv.ListenAndServeTLS("", "")
	}()
	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func serveAndWait(ctx context.Context, srv *http.Server, log *util.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Infof("shutting down...")
		_ = srv.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func hostOnly(hostport string) string {
	h := hostport
	if i := strings.Index(hostport, ":"); i >= 0 {
		h = hostport[:i]
	}
	return h
}
