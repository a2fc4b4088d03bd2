// Package console implements the remote command interface for koralReef as
// an MCP (Model Context Protocol) server.
//
// The caller identity comes from the transport, never from tool arguments.
// The stdio console belongs to whoever started the daemon and acts as the
// administrator. Over HTTP every request carries a bearer token from the
// configuration, which names a user id; the first authenticated user seen
// becomes the administrator when none is registered.
package console

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nathfavour/koralReef/internal/clock"
	"github.com/nathfavour/koralReef/internal/logging"
	"github.com/nathfavour/koralReef/internal/state"
	"github.com/nathfavour/koralReef/pkg/store"
)

// Transport names accepted by Run.
const (
	TransportNone  = "none"
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

const (
	serverName    = "koralreef"
	serverVersion = "0.1.0"

	shutdownTimeout = 5 * time.Second

	sessionHeader = "Mcp-Session-Id"
)

// ErrUnauthorized is returned to callers that are neither the administrator
// nor in the authorized user list.
var ErrUnauthorized = errors.New("console: unauthorized")

// ErrAdminOnly is returned when a non-admin caller invokes an admin tool.
var ErrAdminOnly = errors.New("console: admin only")

// ErrToolDenied is returned when the policy file blocks a tool.
var ErrToolDenied = errors.New("console: tool denied by policy")

// Caller is an authenticated console identity.
type Caller struct {
	ID    int64
	Local bool // stdio operator, trusted as administrator
}

func (c Caller) String() string {
	if c.Local {
		return "local console"
	}
	return strconv.FormatInt(c.ID, 10)
}

// Store is the part of the secret store the console reads and writes.
type Store interface {
	GetAdmin() (id int64, ok bool, err error)
	SetAdmin(id int64) (registered bool, err error)
	GetRecentHistory(limit int) ([]store.HistoryEvent, error)
	LogEvent(message string) error
}

// Server represents the MCP server for koralReef. It builds one MCP server
// per identity so tool handlers always know who is calling.
type Server struct {
	local      *mcp.Server
	store      Store
	state      *state.RunState
	authorized map[int64]struct{}
	tokens     map[string]int64
	policy     *Policy
	dryRun     bool
	clock      clock.Clock
	startedAt  time.Time
	logger     *slog.Logger

	mu       sync.Mutex
	users    map[int64]*mcp.Server
	sessions map[string]int64 // HTTP session id -> user id that opened it
}

// Option configures a Server.
type Option func(*Server)

// WithAuthorizedUsers lets ids other than the administrator use the
// non-admin tools.
func WithAuthorizedUsers(ids []int64) Option {
	return func(s *Server) {
		for _, id := range ids {
			s.authorized[id] = struct{}{}
		}
	}
}

// WithTokens sets the bearer tokens accepted by the HTTP transport and the
// user id each one authenticates. With no tokens every HTTP request is
// rejected.
func WithTokens(tokens map[string]int64) Option {
	return func(s *Server) {
		for token, id := range tokens {
			s.tokens[token] = id
		}
	}
}

// WithPolicy installs a tool policy. A nil policy allows every tool.
func WithPolicy(p *Policy) Option {
	return func(s *Server) { s.policy = p }
}

// WithDryRun reports the dry-run flag in stats output.
func WithDryRun(dryRun bool) Option {
	return func(s *Server) { s.dryRun = dryRun }
}

// WithClock sets the clock used for uptime.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a console server backed by st and rs.
func New(st Store, rs *state.RunState, opts ...Option) *Server {
	s := &Server{
		store:      st,
		state:      rs,
		authorized: make(map[int64]struct{}),
		tokens:     make(map[string]int64),
		clock:      clock.Real(),
		users:      make(map[int64]*mcp.Server),
		sessions:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "console")
	s.startedAt = s.clock.Now()
	s.local = s.newMCPServer(Caller{Local: true})
	return s
}

// Local returns the MCP server for the local operator, as served on stdio.
func (s *Server) Local() *mcp.Server { return s.local }

// ForUser returns the MCP server whose tools act on behalf of user id.
// Callers must have authenticated id first.
func (s *Server) ForUser(id int64) *mcp.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.users[id]
	if !ok {
		srv = s.newMCPServer(Caller{ID: id})
		s.users[id] = srv
	}
	return srv
}

func (s *Server) newMCPServer(c Caller) *mcp.Server {
	srv := mcp.NewServer(
		&mcp.Implementation{
			Name:    serverName,
			Version: serverVersion,
		},
		nil,
	)
	registerTools(srv, &toolset{Server: s, caller: c})
	return srv
}

// registerTools registers all MCP tools with srv.
func registerTools(srv *mcp.Server, t *toolset) {
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "start",
		Description: "Register with the sentinel. The first authenticated user becomes the administrator when none is registered. Returns the caller's role.",
	}, t.handleStart)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "stats",
		Description: "Show reclaim totals, cycle count, last scan time, and the current mode.",
	}, t.handleStats)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "sweep",
		Description: "Request a scan and reclaim cycle on the next loop iteration, ignoring the scan interval.",
	}, t.handleSweep)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "log",
		Description: "Show recent history events, newest first.",
	}, t.handleLog)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "mode",
		Description: "Switch between demo and real mode. Administrator only; rejected while the demo-only lock is set.",
	}, t.handleMode)
}

// authorize applies the tool policy and the caller rules. The local
// console is always the admin. A remote caller is registered as admin when
// none is registered yet. It reports whether the caller is the admin.
func (s *Server) authorize(tool string, c Caller) (isAdmin bool, err error) {
	if allowed, reason := s.policy.IsToolAllowed(tool); !allowed {
		return false, fmt.Errorf("%w: %s", ErrToolDenied, reason)
	}
	if c.Local {
		return true, nil
	}
	callerID := c.ID

	adminID, ok, err := s.store.GetAdmin()
	if err != nil {
		return false, fmt.Errorf("console: read admin: %w", err)
	}
	if !ok {
		registered, err := s.store.SetAdmin(callerID)
		if err != nil {
			return false, fmt.Errorf("console: register admin: %w", err)
		}
		if registered {
			s.logger.Info("registered administrator", logging.Int64(logging.FieldCaller, callerID))
			return true, nil
		}
		// Lost a registration race; re-read the winner.
		if adminID, _, err = s.store.GetAdmin(); err != nil {
			return false, fmt.Errorf("console: read admin: %w", err)
		}
	}

	if adminID == callerID {
		return true, nil
	}
	if _, ok := s.authorized[callerID]; ok {
		return false, nil
	}
	s.logger.Warn("unauthorized console call",
		logging.String("tool", tool),
		logging.Int64(logging.FieldCaller, callerID),
	)
	return false, ErrUnauthorized
}

// Run serves the console on transport until ctx is done. The none
// transport blocks until ctx is done without serving anything.
func (s *Server) Run(ctx context.Context, transport, listen string) error {
	switch transport {
	case TransportNone, "":
		<-ctx.Done()
		return nil
	case TransportStdio:
		s.logger.Info("console serving on stdio")
		err := s.local.Run(ctx, &mcp.StdioTransport{})
		if ctx.Err() != nil {
			return nil
		}
		return err
	case TransportHTTP:
		return s.serveHTTP(ctx, listen)
	default:
		return fmt.Errorf("console: unknown transport %q", transport)
	}
}

type callerKey struct{}

// Handler returns the streamable HTTP handler for the console. Requests
// without a configured bearer token get 401. A session may only be used by
// the user that opened it.
func (s *Server) Handler() http.Handler {
	streamable := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		id, ok := r.Context().Value(callerKey{}).(int64)
		if !ok {
			return nil
		}
		return s.ForUser(id)
	}, nil)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.authenticate(r)
		if !ok {
			s.logger.Warn("rejected console request", logging.String("remote", r.RemoteAddr))
			w.Header().Set("WWW-Authenticate", `Bearer realm="koralreef"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if sid := r.Header.Get(sessionHeader); sid != "" {
			s.mu.Lock()
			owner, bound := s.sessions[sid]
			s.mu.Unlock()
			if bound && owner != id {
				s.logger.Warn("session used with another user's token",
					logging.Int64(logging.FieldCaller, id),
					logging.Int64("owner", owner),
				)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		ctx := context.WithValue(r.Context(), callerKey{}, id)
		streamable.ServeHTTP(&sessionRecorder{ResponseWriter: w, server: s, caller: id}, r.WithContext(ctx))
		if r.Method == http.MethodDelete {
			if sid := r.Header.Get(sessionHeader); sid != "" {
				s.mu.Lock()
				delete(s.sessions, sid)
				s.mu.Unlock()
			}
		}
	})
}

// authenticate maps the bearer token of r to a user id.
func (s *Server) authenticate(r *http.Request) (int64, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return 0, false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, false
	}
	var (
		id    int64
		found bool
	)
	// Every configured token is compared in constant time.
	for candidate, user := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			id, found = user, true
		}
	}
	return id, found
}

// sessionRecorder binds the session id the MCP handler assigns to the user
// whose request created it.
type sessionRecorder struct {
	http.ResponseWriter
	server  *Server
	caller  int64
	checked bool
}

func (w *sessionRecorder) bind() {
	if w.checked {
		return
	}
	w.checked = true
	sid := w.Header().Get(sessionHeader)
	if sid == "" {
		return
	}
	w.server.mu.Lock()
	defer w.server.mu.Unlock()
	if _, ok := w.server.sessions[sid]; !ok {
		w.server.sessions[sid] = w.caller
	}
}

func (w *sessionRecorder) WriteHeader(code int) {
	w.bind()
	w.ResponseWriter.WriteHeader(code)
}

func (w *sessionRecorder) Write(b []byte) (int, error) {
	w.bind()
	return w.ResponseWriter.Write(b)
}

func (w *sessionRecorder) Flush() {
	w.bind()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *sessionRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (s *Server) serveHTTP(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("console listening", logging.String("addr", listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("console: serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("console: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("console: serve http: %w", err)
	}
	return nil
}
