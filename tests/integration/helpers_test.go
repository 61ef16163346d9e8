//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/bissquit/incident-ledger/internal/domain"
	"github.com/bissquit/incident-ledger/internal/incidents"
	"github.com/bissquit/incident-ledger/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type errorResponse struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()
	var body errorResponse
	testutil.DecodeJSON(t, resp, &body)
	return body
}

// createTestUser creates a user with a unique email.
func createTestUser(t *testing.T, client *testutil.Client) domain.User {
	t.Helper()

	resp, err := client.POST("/api/v1/users", map[string]string{
		"name":  "Test User",
		"email": "user-" + uuid.NewString()[:8] + "@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var user domain.User
	testutil.DecodeData(t, resp, &user)
	return user
}

func incidentBody(userID, title string) map[string]string {
	return map[string]string{
		"title":       title,
		"description": "primary database unreachable",
		"severity":    "P1",
		"created_by":  userID,
	}
}

// postIncident sends a create request with an optional idempotency key.
func postIncident(t *testing.T, client *testutil.Client, body map[string]string, key string) *http.Response {
	t.Helper()

	var headers map[string]string
	if key != "" {
		headers = map[string]string{incidents.IdempotencyKeyHeader: key}
	}
	resp, err := client.Do(http.MethodPost, "/api/v1/incidents", body, headers)
	require.NoError(t, err)
	return resp
}

// createTestIncident creates an incident without an idempotency key.
func createTestIncident(t *testing.T, client *testutil.Client, userID, title string) domain.Incident {
	t.Helper()

	resp := postIncident(t, client, incidentBody(userID, title), "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var incident domain.Incident
	testutil.DecodeData(t, resp, &incident)
	return incident
}

func transition(t *testing.T, client *testutil.Client, id string, status domain.IncidentStatus) *http.Response {
	t.Helper()
	resp, err := client.PATCH("/api/v1/incidents/"+id+"/status", map[string]string{"status": string(status)})
	require.NoError(t, err)
	return resp
}

func getDetails(t *testing.T, client *testutil.Client, id string) domain.IncidentDetails {
	t.Helper()

	resp, err := client.GET("/api/v1/incidents/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var details domain.IncidentDetails
	testutil.DecodeData(t, resp, &details)
	return details
}

func countRows(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, testDB.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}
