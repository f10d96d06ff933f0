// ABOUTME: Gateway server that fronts a Space with WebSocket and HTTP.
// ABOUTME: Manages listeners (TCP or Tailscale), join handshake, and shutdown.

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/space-gateway/internal/auth"
	"github.com/2389/space-gateway/internal/config"
	"github.com/2389/space-gateway/internal/envelope"
)

// Server fronts one Space: WebSocket joins on /ws, health and introspection
// over HTTP, listening on plain TCP or a Tailscale tsnet node.
type Server struct {
	config      *config.Config
	space       *Space
	resolver    auth.Resolver
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// New creates a Server from validated configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	grants := make([]auth.Grant, 0, len(cfg.Space.Participants))
	for _, p := range cfg.Space.Participants {
		grants = append(grants, auth.Grant{
			ParticipantID: p.ID,
			Token:         p.Token,
			Capabilities:  p.Capabilities,
		})
	}
	roster, err := auth.NewStaticResolver(grants)
	if err != nil {
		return nil, fmt.Errorf("building participant roster: %w", err)
	}

	var resolver auth.Resolver = roster
	if cfg.Auth.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		resolver = auth.ChainResolver{roster, auth.NewJWTResolver(verifier, roster)}
		logger.Info("join auth enabled (static tokens + JWT)")
	} else {
		logger.Info("join auth enabled (static tokens)")
	}

	space := NewSpace(Options{
		HistoryCapacity:       cfg.Space.HistoryCapacity,
		DefaultRequestTimeout: cfg.Correlation.DefaultTimeout,
		DefaultPauseTimeout:   cfg.Lifecycle.PauseTimeout,
	}, logger.With("component", "space"))

	s := &Server{
		config:   cfg,
		space:    space,
		resolver: resolver,
		logger:   logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	// Health endpoints - no auth required
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)

	// Introspection and injection - token gated
	mux.HandleFunc("/api/participants", s.handleParticipants)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/send", s.handleSend)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Space exposes the supervised space, mainly for tests and embedding.
func (s *Server) Space() *Space {
	return s.space
}

// handleWS performs the join handshake and runs the connection's read loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.resolveRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	p, err := s.space.Join(identity, &wsTransport{conn: conn})
	if err != nil {
		s.logger.Warn("join rejected", "participant_id", identity.ParticipantID, "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "participant already joined")
		return
	}

	s.readLoop(r.Context(), p, conn)
}

// readLoop pumps inbound envelopes into the space until the connection dies.
// One reader per connection; submission itself never blocks on recipients.
func (s *Server) readLoop(ctx context.Context, p *Participant, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.logger.Debug("read loop ended", "participant_id", p.ID, "error", err)
			p.conn.Close("connection closed")
			return
		}
		s.space.Submit(p.ID, data)
	}
}

// resolveRequest authenticates an HTTP request: Authorization bearer token,
// or a token query parameter for clients that cannot set headers.
func (s *Server) resolveRequest(r *http.Request) (*auth.Identity, bool) {
	token := ""
	if authz := r.Header.Get("Authorization"); authz != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(authz, prefix) {
			token = strings.TrimSpace(strings.TrimPrefix(authz, prefix))
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, false
	}

	identity, err := s.resolver.Resolve(token)
	if err != nil {
		s.logger.Warn("token resolution failed", "error", err)
		return nil, false
	}
	return identity, true
}

// wsTransport adapts a WebSocket connection to the Conn transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteEnvelope(ctx context.Context, e *envelope.Envelope) error {
	return wsjson.Write(ctx, t.conn, e)
}

func (t *wsTransport) Close(reason string) error {
	// Close frame reasons are capped at 125 bytes by the protocol.
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// Run starts the server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown disconnects all participants and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")

	s.space.Close()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "space-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet node and returns its HTTP listener.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		return ln, nil
	case tsCfg.CertFile != "" && tsCfg.KeyFile != "":
		return s.setupTailscaleTLSListener(tsCfg)
	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// setupTailscaleTLSListener serves HTTPS using configured certificate files.
func (s *Server) setupTailscaleTLSListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
