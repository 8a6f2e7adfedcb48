package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/solixplan/solixplan/pkg/storage"
	"github.com/solixplan/solixplan/pkg/types"
)

func TestHandleJoin(t *testing.T) {
	newServer := func(store *mockStorage) *Server {
		return &Server{storage: store}
	}

	withUser := func(req *http.Request, user types.User) *http.Request {
		return req.WithContext(context.WithValue(req.Context(), userContextKey, user))
	}

	// only set for users that do not exist yet, like authMiddleware does
	withNewUser := func(req *http.Request, userID, email string) *http.Request {
		return req.WithContext(context.WithValue(req.Context(), userToRegisterContextKey, types.User{
			ID:    userID,
			Email: email,
		}))
	}

	joinReq := func(body string) *http.Request {
		return httptest.NewRequest(http.MethodPost, "/api/join", bytes.NewBufferString(body))
	}

	t.Run("MissingFields", func(t *testing.T) {
		s := newServer(&mockStorage{})
		w := httptest.NewRecorder()
		s.handleJoin(w, withUser(joinReq(`{"inviteCode":"","joinSiteID":""}`), types.User{ID: "u1"}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("InvalidBody", func(t *testing.T) {
		s := newServer(&mockStorage{})
		w := httptest.NewRecorder()
		s.handleJoin(w, withUser(joinReq("not json"), types.User{ID: "u1"}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("NoAuth", func(t *testing.T) {
		s := newServer(&mockStorage{})
		w := httptest.NewRecorder()
		s.handleJoin(w, joinReq(`{"inviteCode":"abc","joinSiteID":"site1"}`))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("SingleSite", func(t *testing.T) {
		s := newServer(&mockStorage{})
		s.singleSite = true
		w := httptest.NewRecorder()
		s.handleJoin(w, withUser(joinReq(`{"create":true}`), types.User{ID: "u1"}))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("SiteNotFound", func(t *testing.T) {
		store := &mockStorage{}
		store.On("GetSite", mock.Anything, "site1").Return(types.Site{}, storage.ErrSiteNotFound).Once()
		s := newServer(store)

		w := httptest.NewRecorder()
		s.handleJoin(w, withUser(joinReq(`{"inviteCode":"abc","joinSiteID":"site1"}`), types.User{ID: "u1"}))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("WrongInviteCode", func(t *testing.T) {
		store := &mockStorage{}
		store.On("GetSite", mock.Anything, "site1").Return(types.Site{ID: "site1", InviteCode: "right"}, nil).Once()
		s := newServer(store)

		w := httptest.NewRecorder()
		s.handleJoin(w, withUser(joinReq(`{"inviteCode":"wrong","joinSiteID":"site1"}`), types.User{ID: "u1"}))
		assert.Equal(t, http.StatusForbidden, w.Code)
		store.AssertNotCalled(t, "UpdateSite", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("SiteWithoutInviteCode", func(t *testing.T) {
		store := &mockStorage{}
		store.On("GetSite", mock.Anything, "site1").Return(types.Site{ID: "site1"}, nil).Once()
		s := newServer(store)

		w := httptest.NewRecorder()
		s.handleJoin(w, withUser(joinReq(`{"inviteCode":"guess","joinSiteID":"site1"}`), types.User{ID: "u1"}))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("ExistingUserJoins", func(t *testing.T) {
		store := &mockStorage{}
		store.On("GetSite", mock.Anything, "site1").Return(types.Site{
			ID:          "site1",
			InviteCode:  "code",
			Permissions: []types.SitePermissions{{UserID: "owner"}},
		}, nil).Once()
		store.On("UpdateSite", mock.Anything, "site1", mock.MatchedBy(func(site types.Site) bool {
			return len(site.Permissions) == 2 && site.Permissions[1].UserID == "u1"
		})).Return(nil).Once()
		store.On("GetUser", mock.Anything, "u1").Return(types.User{ID: "u1", SiteIDs: []string{"home"}}, nil).Once()
		store.On("UpdateUser", mock.Anything, mock.MatchedBy(func(u types.User) bool {
			return u.ID == "u1" && len(u.SiteIDs) == 2 && u.SiteIDs[1] == "site1"
		})).Return(nil).Once()
		s := newServer(store)

		w := httptest.NewRecorder()
		s.handleJoin(w, withUser(joinReq(`{"inviteCode":"code","joinSiteID":"site1"}`), types.User{ID: "u1", SiteIDs: []string{"home"}}))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var res joinResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, "site1", res.SiteID)
		assert.Empty(t, res.InviteCode)
		store.AssertExpectations(t)
	})

	t.Run("NewUserJoins", func(t *testing.T) {
		store := &mockStorage{}
		store.On("GetSite", mock.Anything, "site1").Return(types.Site{ID: "site1", InviteCode: "code"}, nil).Once()
		store.On("UpdateSite", mock.Anything, "site1", mock.Anything).Return(nil).Once()
		store.On("CreateUser", mock.Anything, types.User{
			ID:      "new",
			Email:   "new@test.com",
			SiteIDs: []string{"site1"},
		}).Return(nil).Once()
		s := newServer(store)

		w := httptest.NewRecorder()
		s.handleJoin(w, withNewUser(joinReq(`{"inviteCode":"code","joinSiteID":"site1"}`), "new", "new@test.com"))
		assert.Equal(t, http.StatusOK, w.Code)
		store.AssertExpectations(t)
	})

	t.Run("AlreadyMember", func(t *testing.T) {
		store := &mockStorage{}
		store.On("GetSite", mock.Anything, "site1").Return(types.Site{
			ID:          "site1",
			InviteCode:  "code",
			Permissions: []types.SitePermissions{{UserID: "u1"}},
		}, nil).Once()
		s := newServer(store)

		w := httptest.NewRecorder()
		s.handleJoin(w, withUser(joinReq(`{"inviteCode":"code","joinSiteID":"site1"}`), types.User{ID: "u1", SiteIDs: []string{"site1"}}))
		assert.Equal(t, http.StatusOK, w.Code)
		store.AssertNotCalled(t, "UpdateSite", mock.Anything, mock.Anything, mock.Anything)
		store.AssertNotCalled(t, "UpdateUser", mock.Anything, mock.Anything)
	})

	t.Run("CreateSite", func(t *testing.T) {
		store := &mockStorage{}
		var created types.Site
		store.On("CreateSite", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			created = args.Get(2).(types.Site)
		}).Return(nil).Once()
		store.On("CreateUser", mock.Anything, mock.Anything).Return(nil).Once()
		s := newServer(store)

		w := httptest.NewRecorder()
		s.handleJoin(w, withNewUser(joinReq(`{"create":true,"name":"Home"}`), "new", "new@test.com"))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var res joinResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Len(t, res.SiteID, 16)
		assert.Len(t, res.InviteCode, 16)
		assert.Equal(t, res.SiteID, created.ID)
		assert.Equal(t, "Home", created.Name)
		assert.Equal(t, []types.SitePermissions{{UserID: "new"}}, created.Permissions)
	})

	t.Run("CreateSiteFromEmail", func(t *testing.T) {
		store := &mockStorage{}
		store.On("GetSite", mock.Anything, "longusername").Return(types.Site{ID: "longusername"}, nil).Once()
		store.On("GetSite", mock.Anything, "longusername_1").Return(types.Site{}, storage.ErrSiteNotFound).Once()
		store.On("CreateSite", mock.Anything, "longusername_1", mock.Anything).Return(nil).Once()
		store.On("GetUser", mock.Anything, "u1").Return(types.User{ID: "u1"}, nil).Once()
		store.On("UpdateUser", mock.Anything, mock.Anything).Return(nil).Once()
		s := newServer(store)

		w := httptest.NewRecorder()
		s.handleJoin(w, withUser(joinReq(`{"create":true}`), types.User{ID: "u1", Email: "longusername@test.com"}))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"siteID":"longusername_1"`)
		store.AssertExpectations(t)
	})

	t.Run("TooManySites", func(t *testing.T) {
		s := newServer(&mockStorage{})
		w := httptest.NewRecorder()
		s.handleJoin(w, withUser(joinReq(`{"create":true}`), types.User{ID: "u1", SiteIDs: []string{"a", "b", "c", "d", "e"}}))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("CreateSiteFails", func(t *testing.T) {
		store := &mockStorage{}
		store.On("CreateSite", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("boom")).Once()
		s := newServer(store)

		w := httptest.NewRecorder()
		s.handleJoin(w, withNewUser(joinReq(`{"create":true}`), "new", "new@test.com"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		store.AssertNotCalled(t, "CreateUser", mock.Anything, mock.Anything)
	})
}
