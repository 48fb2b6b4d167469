package mathpipe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/resilience"
)

func TestClient_Solve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/solve", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req SolveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2x+3=11", req.Input)

		json.NewEncoder(w).Encode(SolveResponse{ //nolint:errcheck
			Solved: true,
			Answer: "x = 4",
			Steps: []SolveStep{
				{Rule: "subtract", Before: "2x+3=11", After: "2x=8"},
				{Rule: "divide", Before: "2x=8", After: "x=4"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := c.Solve(context.Background(), SolveRequest{Input: "2x+3=11"})
	require.NoError(t, err)
	assert.True(t, resp.Solved)
	assert.Equal(t, "x = 4", resp.Answer)
	assert.Len(t, resp.Steps, 2)
}

func TestClient_Solve_Unsolved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(SolveResponse{Solved: false}) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := c.Solve(context.Background(), SolveRequest{Input: "what is love"})
	require.NoError(t, err)
	assert.False(t, resp.Solved)
}

func TestClient_Solve_EmptyInput(t *testing.T) {
	c := NewClient("test-key")
	_, err := c.Solve(context.Background(), SolveRequest{})
	require.Error(t, err)
}

func TestClient_Solve_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := c.Solve(context.Background(), SolveRequest{Input: "2x=8"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.True(t, resilience.IsTransient(err), "429 should be retryable")
}

func TestClient_Solve_UnprocessableNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported expression", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := c.Solve(context.Background(), SolveRequest{Input: "2x=8"})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.False(t, resilience.IsTransient(err))
}
