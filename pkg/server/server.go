package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"

	"github.com/solixplan/solixplan/pkg/controller"
	"github.com/solixplan/solixplan/pkg/ess"
	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/schedule"
	"github.com/solixplan/solixplan/pkg/storage"
	"github.com/solixplan/solixplan/pkg/types"
)

const (
	authTokenCookie = "auth_token"
	requestIDHeader = "X-Request-Id"
)

type contextKey string

const (
	siteIDContextKey         contextKey = "siteID"
	userContextKey           contextKey = "user"
	userToRegisterContextKey contextKey = "userToRegister"
)

// tokenVerifier is a function that validates a Google or Apple ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API of SolixPlan. Schedule changes go through the
// controller, everything else talks to storage directly.
type Server struct {
	ess        *ess.Map
	storage    storage.Database
	controller *controller.Controller

	listenAddr      string
	httpServer      *http.Server
	refreshInterval time.Duration

	adminEmails   []string
	oidcAudiences map[string]string
	oidcVerifiers map[string]tokenVerifier
	bypassAuth    bool
	singleSite    bool
	encryptionKey string
	serverName    string
	showHidden    bool
}

func newServer(e *ess.Map, s storage.Database) *Server {
	srv := &Server{
		ess:        e,
		storage:    s,
		serverName: "solixplan",
	}
	srv.controller = controller.New(srv.siteSystem, s)
	return srv
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(e *ess.Map, s storage.Database) *Server {
	srv := newServer(e, s)
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to manage every site")
	oidcAudience := lflag.String("oidc-audience", "", "Google client ID to validate id tokens against")
	oidcAudiences := map[string]string{}
	lflag.JSON(&oidcAudiences, "oidc-audiences", oidcAudiences, "JSON map of provider (google/apple) to audience/client ID")
	bypassAuth := lflag.Bool("bypass-auth", false, "Disable authentication, every request acts as an admin (local use only)")
	singleSite := lflag.Bool("single-site", false, "Enable single-site mode (disables siteID requirement)")
	showHidden := lflag.Bool("show-hidden", false, "Expose hidden providers in lists via the API")
	encryptionKey := lflag.RequiredString("credentials-encryption-key", "Key for encrypting credentials")
	strictInvariants := lflag.Bool("strict-invariants", false, "Panic on schedule invariant violations instead of returning an error")
	refreshInterval := lflag.Duration("refresh-interval", 5*time.Minute, "How often cached schedules are re-read from the cloud. 0 disables polling.")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcAudience != "" {
			if _, ok := oidcAudiences["google"]; !ok {
				oidcAudiences["google"] = *oidcAudience
			}
		}
		if len(oidcAudiences) > 0 {
			srv.oidcAudiences = make(map[string]string, len(oidcAudiences))
			srv.oidcVerifiers = make(map[string]tokenVerifier, len(oidcAudiences))
			for n, a := range oidcAudiences {
				var issuer string
				switch n {
				case "google":
					issuer = "https://accounts.google.com"
				case "apple":
					issuer = "https://appleid.apple.com"
				default:
					log.Ctx(context.Background()).Error("unsupported oidc audience client", slog.String("client", n))
					os.Exit(1)
				}
				provider, err := oidc.NewProvider(context.Background(), issuer)
				if err != nil {
					log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", issuer), slog.Any("error", err))
					os.Exit(1)
				}
				srv.oidcVerifiers[n] = provider.Verifier(&oidc.Config{ClientID: a}).Verify
				srv.oidcAudiences[n] = a
			}
		}
		srv.bypassAuth = *bypassAuth
		srv.singleSite = *singleSite
		srv.showHidden = *showHidden
		srv.refreshInterval = *refreshInterval
		schedule.PanicOnInvariantViolation.Store(*strictInvariants)

		if len(*encryptionKey) != 32 {
			log.Ctx(context.Background()).Error("credentials-encryption-key must be 32 characters")
			os.Exit(1)
		}
		srv.encryptionKey = *encryptionKey

		if srv.bypassAuth {
			log.Ctx(context.Background()).Warn("authentication is bypassed, do not expose this server")
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/schedule", s.handleGetSchedule)
	apiMux.HandleFunc("POST /api/schedule/set", s.handleScheduleSet)
	apiMux.HandleFunc("POST /api/schedule/update", s.handleScheduleUpdate)
	apiMux.HandleFunc("POST /api/schedule/clear", s.handleScheduleClear)
	apiMux.HandleFunc("POST /api/schedule/mode", s.handleScheduleMode)
	apiMux.HandleFunc("POST /api/schedule/refresh", s.handleScheduleRefresh)
	apiMux.HandleFunc("POST /api/backup", s.handleBackup)
	apiMux.HandleFunc("POST /api/tariff", s.handleTariff)
	apiMux.HandleFunc("GET /api/active", s.handleActive)
	apiMux.HandleFunc("GET /api/history/changes", s.handleHistoryChanges)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	apiMux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	apiMux.HandleFunc("POST /api/auth/login", s.handleLogin)
	apiMux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	apiMux.HandleFunc("POST /api/join", s.handleJoin)
	apiMux.HandleFunc("GET /api/list/models", s.handleListModels)
	apiMux.HandleFunc("GET /api/list/ess", s.handleListESS)
	apiMux.HandleFunc("GET /api/list/sites", s.handleListSites)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(requestIDMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux))))
}

func (s *Server) getSiteID(r *http.Request) string {
	if siteID, ok := r.Context().Value(siteIDContextKey).(string); ok {
		return siteID
	}
	// we want to have a stack trace when this happens
	panic("no siteID in context")
}

func (s *Server) getUser(r *http.Request) types.User {
	if user, ok := r.Context().Value(userContextKey).(types.User); ok {
		return user
	}
	return types.User{}
}

// Run starts the HTTP server and the schedule poller and blocks until the
// context is canceled or an error occurs.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	go s.controller.Run(pollCtx, s.refreshInterval)

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware tags the request logger with an ID, reusing the one
// sent by a proxy.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := log.With(r.Context(), log.Ctx(r.Context()).With(slog.String("requestID", id)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isAdmin returns true if the user's email is in the adminEmails list.
func (s *Server) isAdmin(user types.User) bool {
	if user.Email == "" {
		return false
	}
	for _, adminEmail := range s.adminEmails {
		if user.Email == adminEmail {
			return true
		}
	}
	return false
}
