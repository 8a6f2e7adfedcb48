package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/solixplan/solixplan/pkg/log"
	"github.com/solixplan/solixplan/pkg/storage"
	"github.com/solixplan/solixplan/pkg/types"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		allowNoLogin := r.URL.Path == "/api/auth/login" || r.URL.Path == "/api/auth/status" || r.URL.Path == "/api/auth/logout"
		ignoreUserNotFound := allowNoLogin || r.URL.Path == "/api/join"
		ignoreSiteID := ignoreUserNotFound || strings.HasPrefix(r.URL.Path, "/api/list/")

		// extract SiteID
		var siteID string
		if r.Method == http.MethodGet {
			siteID = r.URL.Query().Get("siteID")
		} else if r.Body != nil {
			// Limit body size to 1MB to prevent DoS
			r.Body = http.MaxBytesReader(w, r.Body, 1048576)
			bodyBytes, err := io.ReadAll(r.Body)
			if err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to read request body", slog.Any("error", err))
				// since we failed to read, don't return JSON error
				http.Error(w, "invalid request", http.StatusBadRequest)
				return
			}
			// restore body for next handler
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

			// try to unmarshal just the SiteID
			if len(bodyBytes) > 0 {
				var justSiteID struct {
					SiteID string `json:"siteID"`
				}
				if err := json.Unmarshal(bodyBytes, &justSiteID); err != nil {
					log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal request body", slog.Any("error", err))
					// since we failed to read, don't return JSON error
					http.Error(w, "invalid request", http.StatusBadRequest)
					return
				}
				siteID = justSiteID.SiteID
			}
		}

		var email string
		var userID string
		// user might be a fake user if this is bypassAuth or singleSite
		var user types.User
		if s.bypassAuth {
			user = types.User{
				SiteIDs: []string{types.SiteIDNone},
				Admin:   true,
			}
		} else {
			token, err := authToken(r)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "invalid auth header", slog.Any("error", err))
				writeJSONError(w, "invalid auth header", http.StatusBadRequest)
				return
			}
			if token != "" {
				emailRet, subjectRet, _, err := s.authenticateToken(ctx, token, "")
				if err != nil {
					log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
					s.clearCookie(w)
					writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
					return
				}
				email = emailRet
				userID = subjectRet
			} else if !allowNoLogin {
				log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if userID != "" {
				if s.singleSite {
					user = types.User{
						ID:      userID,
						Email:   email,
						SiteIDs: []string{types.SiteIDNone},
					}
				} else {
					user, err = s.storage.GetUser(ctx, userID)
					if err != nil {
						if ignoreUserNotFound && errors.Is(err, storage.ErrUserNotFound) {
							log.Ctx(ctx).InfoContext(ctx, "user not found, will register on join", slog.String("userID", userID), slog.String("email", email))
							// Put a stub user in context so the join handler can create it
							ctx = context.WithValue(ctx, userToRegisterContextKey, types.User{
								ID:    userID,
								Email: email,
							})
						} else {
							log.Ctx(ctx).WarnContext(ctx, "user lookup failed", slog.String("userID", userID), slog.String("email", email), slog.Any("error", err))
							writeJSONError(w, "user lookup failed", http.StatusForbidden)
							return
						}
					}
					user.Email = email
					// fill in default siteID if the user only has 1 site
					if siteID == "" && len(user.SiteIDs) == 1 {
						siteID = user.SiteIDs[0]
					}
				}

				isAdmin := s.isAdmin(types.User{Email: email})
				if isAdmin {
					user.Admin = true
				}
				if s.singleSite {
					// every logged in user may read, admins may write
				} else if siteID != "" && !isAdmin {
					site, err := s.storage.GetSite(ctx, siteID)
					if err != nil {
						log.Ctx(ctx).WarnContext(ctx, "site lookup failed", slog.String("siteID", siteID), slog.Any("error", err))
						writeJSONError(w, "site access denied", http.StatusForbidden)
						return
					}
					permFound := false
					for _, p := range site.Permissions {
						if p.UserID == userID {
							permFound = true
							break
						}
					}
					if !permFound {
						log.Ctx(ctx).WarnContext(ctx, "user does not have permission for site", slog.String("userID", userID), slog.String("email", email), slog.String("site", siteID))
						writeJSONError(w, "site access denied", http.StatusForbidden)
						return
					}
					user.Admin = true
				}
			}
		}

		if siteID == "" {
			if s.singleSite || s.bypassAuth {
				siteID = types.SiteIDNone
			} else if !ignoreSiteID {
				log.Ctx(ctx).WarnContext(ctx, "siteID required", slog.String("userID", userID))
				writeJSONError(w, "siteID required", http.StatusBadRequest)
				return
			}
		}

		if userID != "" {
			ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authUserID", userID)))
		}
		if siteID != "" {
			ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authSiteID", siteID)))
		}

		log.Ctx(ctx).DebugContext(ctx, "authenticated request", slog.String("email", email), slog.Bool("admin", user.Admin))

		ctx = context.WithValue(ctx, userContextKey, user)
		ctx = context.WithValue(ctx, siteIDContextKey, siteID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authToken returns the bearer token of the request, falling back to the
// auth cookie.
func authToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			return "", errors.New("expected a bearer token")
		}
		return token, nil
	}
	c, err := r.Cookie(authTokenCookie)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return "", nil
		}
		return "", err
	}
	return c.Value, nil
}

// requireWriter writes an error and returns false unless the user may change
// the site.
func (s *Server) requireWriter(w http.ResponseWriter, r *http.Request) bool {
	ctx := r.Context()
	user := s.getUser(r)
	if !user.Admin {
		log.Ctx(ctx).WarnContext(ctx, "unauthorized for site change", slog.String("userID", user.ID), slog.String("email", user.Email))
		writeJSONError(w, "unauthorized", http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	// Parse Parse Form to get the token, expecting JSON body
	var req struct {
		Token  string `json:"token"`
		Client string `json:"client"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	email, subject, expires, err := s.authenticateToken(r.Context(), req.Token, req.Client)
	if err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to validate id token", slog.Any("error", err))
		writeJSONError(w, "invalid id token", http.StatusUnauthorized)
		return
	}

	if email == "" {
		log.Ctx(r.Context()).WarnContext(r.Context(), "invalid email in id token")
		writeJSONError(w, "invalid oidc claims", http.StatusUnauthorized)
		return
	}

	log.Ctx(r.Context()).InfoContext(r.Context(), "login token validated successfully", slog.String("email", email), slog.String("subject", subject))

	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    req.Token,
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	})

	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearCookie(w)
	w.WriteHeader(http.StatusOK)
}

type authStatusResponse struct {
	LoggedIn     bool              `json:"loggedIn"`
	Email        string            `json:"email"`
	AuthRequired bool              `json:"authRequired"`
	ClientIDs    map[string]string `json:"clientIDs"`
	SiteIDs      []string          `json:"siteIDs"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	var loggedIn bool
	user := s.getUser(r)
	if user.ID != "" || s.bypassAuth {
		loggedIn = true
	} else if userToRegister, ok := r.Context().Value(userToRegisterContextKey).(types.User); ok {
		user = userToRegister
		loggedIn = true
	}

	writeJSON(w, authStatusResponse{
		LoggedIn:     loggedIn,
		Email:        user.Email,
		AuthRequired: !s.bypassAuth && len(s.oidcAudiences) > 0,
		ClientIDs:    s.oidcAudiences,
		SiteIDs:      user.SiteIDs,
	})
}

func (s *Server) authenticateToken(ctx context.Context, token string, specificClient string) (string, string, time.Time, error) {
	var errs []error

	for providerName, verifier := range s.oidcVerifiers {
		if specificClient != "" && providerName != specificClient {
			continue
		}
		idToken, err := verifier(ctx, token)
		if err == nil {
			var claims struct {
				Email string `json:"email"`
			}
			err = idToken.Claims(&claims)
			if err == nil {
				return claims.Email, idToken.Subject, idToken.Expiry, nil
			}
		}
		errs = append(errs, fmt.Errorf("%s verifier failed: %v", providerName, err))
	}

	if len(errs) > 1 {
		return "", "", time.Time{}, errors.Join(errs...)
	}
	if len(errs) == 1 {
		return "", "", time.Time{}, errs[0]
	}
	return "", "", time.Time{}, errors.New("no valid audiences configured or token invalid")
}
