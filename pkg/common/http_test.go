package common

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := HTTPClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, client.Timeout)

	t.Run("defaults", func(t *testing.T) {
		req, err := http.NewRequest("GET", srv.URL, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, "SolixPlan/"+Version(), got.Get("User-Agent"))
		assert.Equal(t, "application/json", got.Get("Accept"))
		assert.Empty(t, req.Header.Get("User-Agent"), "caller request must not be modified")
	})

	t.Run("caller header wins", func(t *testing.T) {
		req, err := http.NewRequest("GET", srv.URL, nil)
		require.NoError(t, err)
		req.Header.Set("Accept", "text/plain")
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, "text/plain", got.Get("Accept"))
	})
}

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, Version())
	assert.NotContains(t, Version(), "\n")
}
