package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/nbmail/app/filter"
	"github.com/umputun/nbmail/lib/nbayes"
)

func TestServer_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer(Config{ListenAddr: ":9876", Version: "dev", SpamFilter: newFilter(t, false)})
	done := make(chan struct{})
	go func() {
		err := srv.Run(ctx)
		assert.NoError(t, err)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://localhost:9876/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	assert.Contains(t, resp.Header.Get("App-Name"), "nbmail")
	assert.Contains(t, resp.Header.Get("App-Version"), "dev")

	cancel()
	<-done
}

func TestServer_Auth(t *testing.T) {
	srv := NewServer(Config{Version: "dev", SpamFilter: newFilter(t, true), AuthPasswd: "test"})
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	t.Run("ping without auth", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/ping")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("classify unauthorized", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/classify", "application/json", strings.NewReader(`{"text":"buy now"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("classify with wrong password", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/classify", strings.NewReader(`{"text":"buy now"}`))
		require.NoError(t, err)
		req.SetBasicAuth("nbmail", "bad")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("classify authorized", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/classify", strings.NewReader(`{"text":"buy now"}`))
		require.NoError(t, err)
		req.SetBasicAuth("nbmail", "test")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_Classify(t *testing.T) {
	srv := NewServer(Config{SpamFilter: newFilter(t, true)})
	h := srv.handler()

	t.Run("spam", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/classify", `{"text":"Cheap pills, buy now!"}`)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var resp struct {
			Label         nbayes.Label         `json:"label"`
			Spam          bool                 `json:"spam"`
			Probabilities nbayes.Probabilities `json:"probabilities"`
			Model         string               `json:"model"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, nbayes.Spam, resp.Label)
		assert.True(t, resp.Spam)
		assert.Equal(t, "samples", resp.Model)
		assert.InDelta(t, 1, resp.Probabilities.Spam+resp.Probabilities.Ham, 1e-12)
	})

	t.Run("ham", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/classify", `{"text":"project meeting at lunch"}`)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"label":"ham"`)
		assert.Contains(t, rr.Body.String(), `"spam":false`)
	})

	t.Run("probabilities", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/probabilities", `{"text":""}`)
		require.Equal(t, http.StatusOK, rr.Code)
		var p nbayes.Probabilities
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
		m, ok := srv.SpamFilter.Active()
		require.True(t, ok)
		priors, err := m.Classifier.Priors()
		require.NoError(t, err)
		assert.InDelta(t, priors.Spam, p.Spam, 1e-12, "empty text gets priors")
	})

	t.Run("bad request", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/classify", `{bad json`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "can't decode request")
	})
}

func TestServer_NoModel(t *testing.T) {
	srv := NewServer(Config{SpamFilter: newFilter(t, false)})
	h := srv.handler()

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/classify", `{"text":"buy"}`},
		{http.MethodPost, "/score", `{"texts":["buy"],"labels":["spam"]}`},
		{http.MethodGet, "/model", ""},
		{http.MethodGet, "/word?w=buy", ""},
		{http.MethodGet, "/tokens?label=spam", ""},
	} {
		t.Run(tc.path, func(t *testing.T) {
			rr := do(t, h, tc.method, tc.path, tc.body)
			assert.Equal(t, http.StatusServiceUnavailable, rr.Code, rr.Body.String())
		})
	}
}

func TestServer_Cache(t *testing.T) {
	sf := newFilter(t, true)
	srv := NewServer(Config{SpamFilter: sf})
	h := srv.handler()

	rr := do(t, h, http.MethodPost, "/classify", `{"text":"crypto giveaway"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, srv.results.Len())
	first := rr.Body.String()

	rr = do(t, h, http.MethodPost, "/classify", `{"text":"crypto giveaway"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, first, rr.Body.String(), "cached result")
	assert.Equal(t, 1, srv.results.Len())

	// model swap purges the cache
	rr = do(t, h, http.MethodPost, "/update/spam", `{"msg":"crypto giveaway claim prize"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 0, srv.results.Len())
	assert.Equal(t, uint64(1), srv.gen.Load(), "swapped once on update")

	rr = do(t, h, http.MethodPost, "/classify", `{"text":"crypto giveaway"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEqual(t, first, rr.Body.String(), "probabilities changed after update")
}

func TestServer_Score(t *testing.T) {
	h := NewServer(Config{SpamFilter: newFilter(t, true)}).handler()

	rr := do(t, h, http.MethodPost, "/score",
		`{"texts":["buy cheap pills","see you at lunch","win money now","project update"],"labels":["spam","ham","spam","spam"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		Accuracy float64 `json:"accuracy"`
		Total    int     `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.InDelta(t, 0.75, resp.Accuracy, 1e-12)
	assert.Equal(t, 4, resp.Total)

	rr = do(t, h, http.MethodPost, "/score", `{"texts":["a","b"],"labels":["spam"]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/score", `{"texts":[],"labels":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/score", `{"texts":["a"],"labels":["eggs"]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Diagnostics(t *testing.T) {
	h := NewServer(Config{SpamFilter: newFilter(t, true)}).handler()

	t.Run("model", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/model", "")
		require.Equal(t, http.StatusOK, rr.Code)
		var resp struct {
			Name string      `json:"name"`
			Info nbayes.Info `json:"info"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "samples", resp.Name)
		assert.True(t, resp.Info.Fitted)
		assert.Equal(t, 3, resp.Info.SpamDocs)
		assert.Equal(t, 3, resp.Info.HamDocs)
	})

	t.Run("word", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/word?w=Buy", "")
		require.Equal(t, http.StatusOK, rr.Code)
		var resp struct {
			Spam, Ham, Total float64
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Greater(t, resp.Spam, resp.Ham)
		assert.Greater(t, resp.Total, 0.0)

		rr = do(t, h, http.MethodGet, "/word", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("tokens", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/tokens?label=spam&n=1", "")
		require.Equal(t, http.StatusOK, rr.Code)
		var resp struct {
			Tokens []nbayes.TokenCount `json:"tokens"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []nbayes.TokenCount{{Token: "buy", Count: 2}}, resp.Tokens)

		rr = do(t, h, http.MethodGet, "/tokens?label=eggs", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		rr = do(t, h, http.MethodGet, "/tokens?label=ham&n=x", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestServer_Samples(t *testing.T) {
	sf := newFilter(t, true)
	h := NewServer(Config{SpamFilter: sf}).handler()

	rr := do(t, h, http.MethodPost, "/update/ham", `{"msg":"weekly report attached"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"updated":true,"msg":"weekly report attached"}`, rr.Body.String())
	rr = do(t, h, http.MethodPost, "/update/spam", `{"msg":"free bitcoin"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/samples", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"spam":["free bitcoin"],"ham":["weekly report attached"]}`, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/delete/spam", `{"msg":"free bitcoin"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"deleted":true,"msg":"free bitcoin","count":1}`, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/delete/spam", `{"msg":"free bitcoin"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code, "already deleted")
	rr = do(t, h, http.MethodPost, "/delete/ham", `{"msg":" "}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, http.MethodPost, "/delete/ham", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/update/spam", `{"msg":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, http.MethodPost, "/update/spam", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPut, "/samples", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"reloaded":true,"spam_samples":3,"ham_samples":4}`, rr.Body.String())
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("no model: %w", nbayes.ErrNotFitted), want: http.StatusServiceUnavailable},
		{err: fmt.Errorf("label 1: %w", nbayes.ErrInvalidInput), want: http.StatusBadRequest},
		{err: nbayes.ErrLengthMismatch, want: http.StatusBadRequest},
		{err: fmt.Errorf("spam sample %q: %w", "x", filter.ErrSampleNotFound), want: http.StatusNotFound},
		{err: errors.New("disk failed"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, errorStatus(tt.err))
		})
	}
}

func TestGenerateRandomPassword(t *testing.T) {
	res, err := GenerateRandomPassword(32)
	require.NoError(t, err)
	assert.Len(t, res, 32)

	other, err := GenerateRandomPassword(32)
	require.NoError(t, err)
	assert.NotEqual(t, res, other)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// newFilter makes spam filter with sample files in a temp dir, loaded if load is true
func newFilter(t *testing.T, load bool) *filter.SpamFilter {
	t.Helper()
	dir := t.TempDir()
	params := filter.Config{
		SpamSamplesFile: filepath.Join(dir, "spam.txt"),
		HamSamplesFile:  filepath.Join(dir, "ham.txt"),
		SpamDynamicFile: filepath.Join(dir, "spam-dynamic.txt"),
		HamDynamicFile:  filepath.Join(dir, "ham-dynamic.txt"),
	}
	spam := "buy now limited offer\ncheap pills buy\nwin money now\n"
	ham := "project meeting tomorrow\nsee you at lunch\nupdate on the project\n"
	require.NoError(t, os.WriteFile(params.SpamSamplesFile, []byte(spam), 0o600))
	require.NoError(t, os.WriteFile(params.HamSamplesFile, []byte(ham), 0o600))

	sf := filter.NewSpamFilter(context.Background(), params)
	if load {
		_, err := sf.ReloadSamples(context.Background())
		require.NoError(t, err)
	}
	return sf
}
