package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlPlaneCreateRoom(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rooms", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(CreateRoomResponse{RoomID: "room-1"})
	}))
	defer ts.Close()

	id, err := NewControlPlane(ts.URL+"/").CreateRoom(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "room-1", id)
}

func TestControlPlaneJoinUnknownRoom(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rooms/missing/join", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"room not found"}`))
	}))
	defer ts.Close()

	err := NewControlPlane(ts.URL).JoinRoom(context.Background(), "tok", "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestControlPlaneErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		wantMsg string
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"invalid token"}`, wantErr: ErrAuthenticationMissing},
		{name: "forbidden", status: http.StatusForbidden, body: `{"error":"language not allowed"}`, wantMsg: "control plane error: language not allowed"},
		{name: "plain", status: http.StatusBadGateway, body: "upstream down", wantMsg: "control plane returned status 502: upstream down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			err := NewControlPlane(ts.URL).Run(context.Background(), "tok", "r1", &RunRequest{Language: "cobol"})
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticToken("").Token(context.Background())
	assert.ErrorIs(t, err, ErrAuthenticationMissing)
}
