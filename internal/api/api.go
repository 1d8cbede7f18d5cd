// Package api provides the HTTP surface of OutletPipe: the inbound webhooks
// that feed the conversation controller and the token-protected admin routes.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/flow"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/BTreeMap/OutletPipe/internal/store"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes caps webhook payloads.
	maxBodyBytes = 1 << 20
)

// SessionAdmin is the administrative view of the controller.
type SessionAdmin interface {
	Session(ctx context.Context, identity string) (*models.Session, error)
	Clear(ctx context.Context, identity string) error
}

var _ SessionAdmin = (*flow.Controller)(nil)

// Opts holds server configuration.
type Opts struct {
	Addr            string
	AdminToken      string
	TwilioAuthToken string // enables X-Twilio-Signature checks when set
	PublicURL       string // externally visible base URL used for signature checks
	PoolSize        int
	ShutdownTimeout time.Duration
	Directory       store.Directory
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAdminToken sets the bearer token required by admin routes. Without one
// every admin request is rejected.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithTwilioSignature enables request signature validation for the Twilio webhook.
func WithTwilioSignature(authToken, publicURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.PublicURL = publicURL
	}
}

// WithDirectory enables PUT /admin/actors/{code}.
func WithDirectory(d store.Directory) Option {
	return func(o *Opts) { o.Directory = d }
}

// WithPoolSize caps concurrent identities per webhook batch.
func WithPoolSize(n int) Option {
	return func(o *Opts) { o.PoolSize = n }
}

// Server routes HTTP requests to the controller and stores.
type Server struct {
	handler    flow.Handler
	pool       *flow.Pool
	admin      SessionAdmin
	deliveries store.DeliveryLog
	opts       Opts
}

// NewServer creates a Server. handler processes inbound events; admin and
// deliveries back the admin routes.
func NewServer(handler flow.Handler, admin SessionAdmin, deliveries store.DeliveryLog, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		handler:    handler,
		pool:       flow.NewPool(handler, cfg.PoolSize),
		admin:      admin,
		deliveries: deliveries,
		opts:       cfg,
	}
}

// Routes returns the HTTP handler for all endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /webhook/twilio", s.twilioWebhookHandler)
	mux.HandleFunc("POST /webhook", s.batchWebhookHandler)
	mux.Handle("GET /admin/sessions/{identity}", s.requireAdmin(http.HandlerFunc(s.getSessionHandler)))
	mux.Handle("POST /admin/sessions/{identity}/clear", s.requireAdmin(http.HandlerFunc(s.clearSessionHandler)))
	mux.Handle("GET /admin/deliveries/{identity}", s.requireAdmin(http.HandlerFunc(s.deliveriesHandler)))
	if s.opts.Directory != nil {
		mux.Handle("PUT /admin/actors/{code}", s.requireAdmin(http.HandlerFunc(s.putActorHandler)))
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "outletpipe"}))
}
