package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSendsPinnedVersion(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		var req ExecuteRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "python", req.Language)
		assert.Equal(t, "3.10.0", req.Version)
		if assert.Len(t, req.Files, 1) {
			assert.Equal(t, "print(1)", req.Files[0].Content)
		}

		code := 0
		json.NewEncoder(w).Encode(ExecuteResponse{
			Language: req.Language,
			Version:  req.Version,
			Run:      Stage{Stdout: "1\n", Output: "1\n", Code: &code},
		})
	}))
	defer ts.Close()

	out, err := NewClient(ts.URL+"/", time.Second).Run(context.Background(), "python", "print(1)")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)
}

func TestRunReturnsCompilerOutput(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fail := 1
		json.NewEncoder(w).Encode(ExecuteResponse{
			Compile: &Stage{Output: "Main.java:1: error", Code: &fail},
			Run:     Stage{Output: ""},
		})
	}))
	defer ts.Close()

	out, err := NewClient(ts.URL, time.Second).Run(context.Background(), "java", "class")
	require.NoError(t, err)
	assert.Equal(t, "Main.java:1: error", out)
}

func TestRunUnsupportedLanguage(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:1", time.Second).Run(context.Background(), "cobol", "")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestExecuteErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"runtime is unknown"}`))
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, time.Second).Run(context.Background(), "php", "<?php")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runtime is unknown")
}
