//go:build integration

package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/bissquit/incident-ledger/internal/domain"
	"github.com/bissquit/incident-ledger/internal/identity"
	"github.com/bissquit/incident-ledger/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsers_CreateAndGet(t *testing.T) {
	client := newTestClient(t)
	email := "Ops-" + uuid.NewString()[:8] + "@Example.com"

	resp, err := client.POST("/api/v1/users", map[string]string{"name": "On-call", "email": email})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var user domain.User
	testutil.DecodeData(t, resp, &user)
	assert.Equal(t, strings.ToLower(email), user.Email)

	resp, err = client.GET("/api/v1/users/" + user.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched domain.User
	testutil.DecodeData(t, resp, &fetched)
	assert.Equal(t, user.ID, fetched.ID)
	assert.Equal(t, "On-call", fetched.Name)

	resp, err = client.POST("/api/v1/users", map[string]string{"name": "Dup", "email": strings.ToUpper(email)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, identity.CodeUserAlreadyExists, decodeError(t, resp).Error.Code)
}

func TestUsers_NotFound(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.GET("/api/v1/users/" + uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, identity.CodeUserNotFound, decodeError(t, resp).Error.Code)
}

func TestUsers_Validation(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.POST("/api/v1/users", map[string]string{"name": "No email"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHealth(t *testing.T) {
	client := newTestClient(t)

	for _, path := range []string{"/healthz", "/readyz", "/version"} {
		resp, err := client.GET(path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}
