// Package webapi provides a web API for the spam classifier: classification, diagnostics of the active model
// and management of samples. Classification results are cached until the active model changes.
package webapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/nbmail/app/filter"
	"github.com/umputun/nbmail/lib/nbayes"
)

// Server is a web API server.
type Server struct {
	Config
	results cache.Cache[string, filter.Result]
	gen     atomic.Uint64 // incremented on every model swap, part of cache key
}

// Config defines server parameters
type Config struct {
	Version    string        // version to show in /ping
	ListenAddr string        // listen address
	SpamFilter SpamFilter    // spam filter with the active model
	AuthPasswd string        // basic auth password for user "nbmail"
	RateLimit  float64       // max requests per second per client, 0 for default
	CacheSize  int           // max number of cached classification results, 0 for default
	CacheTTL   time.Duration // ttl of cached classification results, 0 for default
	Dbg        bool          // debug mode
}

// SpamFilter is a spam filter interface
type SpamFilter interface {
	Classify(text string) (filter.Result, error)
	Active() (filter.Model, bool)
	OnSwap(fn func(filter.Model))
	UpdateSpam(ctx context.Context, msg string) error
	UpdateHam(ctx context.Context, msg string) error
	ReloadSamples(ctx context.Context) (filter.LoadResult, error)
	DynamicSamples() (spam, ham []string, err error)
	RemoveDynamicSample(ctx context.Context, l nbayes.Label, msg string) (int, error)
}

const authUser = "nbmail"

// NewServer creates a new web API server.
func NewServer(config Config) *Server {
	if config.RateLimit <= 0 {
		config.RateLimit = 50
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 1000
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 10 * time.Minute
	}
	res := &Server{
		Config:  config,
		results: cache.NewCache[string, filter.Result]().WithMaxKeys(config.CacheSize).WithTTL(config.CacheTTL),
	}
	config.SpamFilter.OnSwap(func(m filter.Model) {
		res.gen.Add(1)
		res.results.Purge()
		log.Printf("[DEBUG] classification cache purged, active model %s", m.Name)
	})
	return res
}

// Run starts server and accepts requests until ctx is canceled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.ListenAddr, Handler: s.handler(), ReadTimeout: 5 * time.Second,
		WriteTimeout: 30 * time.Second, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown webapi server: %v", err)
		} else {
			log.Printf("[INFO] webapi server stopped")
		}
	}()

	log.Printf("[INFO] start webapi server on %s", s.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to run server: %w", err)
	}
	return nil
}

// handler makes the router with all middlewares and routes
func (s *Server) handler() http.Handler {
	router := routegroup.New(http.NewServeMux())
	router.Use(rest.Recoverer(lgr.Default()))
	router.Use(rest.AppInfo("nbmail", "umputun", s.Version), rest.Ping)
	router.Use(s.rateLimiter())
	router.Use(rest.SizeLimit(1024 * 1024)) // 1M max request size

	if s.AuthPasswd != "" {
		log.Printf("[INFO] basic auth enabled for webapi server")
	} else {
		log.Printf("[WARN] basic auth disabled, access to webapi is not protected")
	}

	router.Group().Route(func(api *routegroup.Bundle) {
		api.Use(s.authMiddleware(rest.BasicAuthWithUserPasswd(authUser, s.AuthPasswd)))
		api.HandleFunc("POST /classify", s.classifyHandler)           // classify a message
		api.HandleFunc("POST /probabilities", s.probabilitiesHandler) // posterior probabilities of a message
		api.HandleFunc("POST /score", s.scoreHandler)                 // accuracy on labeled messages
		api.HandleFunc("GET /model", s.modelHandler)                  // active model info
		api.HandleFunc("GET /word", s.wordHandler)                    // word probabilities
		api.HandleFunc("GET /tokens", s.topTokensHandler)             // most frequent tokens of a class

		api.Mount("/update").Route(func(r *routegroup.Bundle) { // update spam/ham samples
			r.HandleFunc("POST /spam", s.updateSampleHandler(s.SpamFilter.UpdateSpam))
			r.HandleFunc("POST /ham", s.updateSampleHandler(s.SpamFilter.UpdateHam))
		})
		api.Mount("/delete").Route(func(r *routegroup.Bundle) { // delete dynamic spam/ham samples
			r.HandleFunc("POST /spam", s.deleteSampleHandler(nbayes.Spam))
			r.HandleFunc("POST /ham", s.deleteSampleHandler(nbayes.Ham))
		})

		api.HandleFunc("GET /samples", s.getDynamicSamplesHandler)    // get dynamic samples
		api.HandleFunc("PUT /samples", s.reloadDynamicSamplesHandler) // rebuild model from samples
	})
	return router
}

type textRequest struct {
	Text string `json:"text"`
}

// classifyHandler handles POST /classify request. Returns the label and probabilities of the message.
func (s *Server) classifyHandler(w http.ResponseWriter, r *http.Request) {
	req := textRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusBadRequest, "can't decode request", err)
		return
	}
	res, err := s.classify(req.Text)
	if err != nil {
		renderError(w, errorStatus(err), "can't classify message", err)
		return
	}
	rest.RenderJSON(w, rest.JSON{"label": res.Label, "spam": res.Label == nbayes.Spam,
		"probabilities": res.Probabilities, "model": res.Model})
}

// probabilitiesHandler handles POST /probabilities request
func (s *Server) probabilitiesHandler(w http.ResponseWriter, r *http.Request) {
	req := textRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusBadRequest, "can't decode request", err)
		return
	}
	res, err := s.classify(req.Text)
	if err != nil {
		renderError(w, errorStatus(err), "can't classify message", err)
		return
	}
	rest.RenderJSON(w, res.Probabilities)
}

// scoreHandler handles POST /score request. It gets parallel lists of texts and labels
// and returns the fraction of messages classified as labeled.
func (s *Server) scoreHandler(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Texts  []string       `json:"texts"`
		Labels []nbayes.Label `json:"labels"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusBadRequest, "can't decode request", err)
		return
	}
	m, ok := s.SpamFilter.Active()
	if !ok {
		renderError(w, http.StatusServiceUnavailable, "no active model", nbayes.ErrNotFitted)
		return
	}
	accuracy, err := m.Classifier.Score(req.Texts, req.Labels)
	if err != nil {
		renderError(w, errorStatus(err), "can't score messages", err)
		return
	}
	rest.RenderJSON(w, rest.JSON{"accuracy": accuracy, "total": len(req.Texts), "model": m.Name})
}

// modelHandler handles GET /model request, returns info about the active model
func (s *Server) modelHandler(w http.ResponseWriter, _ *http.Request) {
	m, ok := s.SpamFilter.Active()
	if !ok {
		renderError(w, http.StatusServiceUnavailable, "no active model", nbayes.ErrNotFitted)
		return
	}
	rest.RenderJSON(w, rest.JSON{"name": m.Name, "loaded_at": m.LoadedAt, "info": m.Classifier.Info()})
}

// wordHandler handles GET /word?w=... request, returns smoothed word probabilities for both classes
func (s *Server) wordHandler(w http.ResponseWriter, r *http.Request) {
	word := r.URL.Query().Get("w")
	if word == "" {
		renderError(w, http.StatusBadRequest, "word is required", nbayes.ErrInvalidInput)
		return
	}
	m, ok := s.SpamFilter.Active()
	if !ok {
		renderError(w, http.StatusServiceUnavailable, "no active model", nbayes.ErrNotFitted)
		return
	}
	spam, errSpam := m.Classifier.WordProbability(word, nbayes.Spam)
	ham, errHam := m.Classifier.WordProbability(word, nbayes.Ham)
	total, errTotal := m.Classifier.WordProbabilityTotal(word)
	if err := errors.Join(errSpam, errHam, errTotal); err != nil {
		renderError(w, errorStatus(err), "can't get word probability", err)
		return
	}
	rest.RenderJSON(w, rest.JSON{"word": word, "spam": spam, "ham": ham, "total": total})
}

// topTokensHandler handles GET /tokens?label=spam&n=10 request
func (s *Server) topTokensHandler(w http.ResponseWriter, r *http.Request) {
	label, err := nbayes.ParseLabel(r.URL.Query().Get("label"))
	if err != nil {
		renderError(w, http.StatusBadRequest, "invalid label", err)
		return
	}
	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		if n, err = strconv.Atoi(v); err != nil {
			renderError(w, http.StatusBadRequest, "invalid number of tokens", err)
			return
		}
	}
	m, ok := s.SpamFilter.Active()
	if !ok {
		renderError(w, http.StatusServiceUnavailable, "no active model", nbayes.ErrNotFitted)
		return
	}
	tokens, err := m.Classifier.TopTokens(label, n)
	if err != nil {
		renderError(w, errorStatus(err), "can't get tokens", err)
		return
	}
	rest.RenderJSON(w, rest.JSON{"label": label, "tokens": tokens})
}

// updateSampleHandler handles POST /update/spam|ham request. It adds a sample and rebuilds the model.
func (s *Server) updateSampleHandler(updFn func(ctx context.Context, msg string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Msg string `json:"msg"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			renderError(w, http.StatusBadRequest, "can't decode request", err)
			return
		}
		if err := updFn(r.Context(), req.Msg); err != nil {
			renderError(w, errorStatus(err), "can't update samples", err)
			return
		}
		rest.RenderJSON(w, rest.JSON{"updated": true, "msg": req.Msg})
	}
}

// deleteSampleHandler handles POST /delete/spam|ham request. It removes a dynamic sample and rebuilds the model.
func (s *Server) deleteSampleHandler(l nbayes.Label) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Msg string `json:"msg"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			renderError(w, http.StatusBadRequest, "can't decode request", err)
			return
		}
		count, err := s.SpamFilter.RemoveDynamicSample(r.Context(), l, req.Msg)
		if err != nil {
			renderError(w, errorStatus(err), "can't delete sample", err)
			return
		}
		rest.RenderJSON(w, rest.JSON{"deleted": true, "msg": req.Msg, "count": count})
	}
}

// getDynamicSamplesHandler handles GET /samples request. It returns dynamic samples both for spam and ham.
func (s *Server) getDynamicSamplesHandler(w http.ResponseWriter, _ *http.Request) {
	spam, ham, err := s.SpamFilter.DynamicSamples()
	if err != nil {
		renderError(w, http.StatusInternalServerError, "can't get dynamic samples", err)
		return
	}
	rest.RenderJSON(w, rest.JSON{"spam": spam, "ham": ham})
}

// reloadDynamicSamplesHandler handles PUT /samples request. It rebuilds the model from all samples.
func (s *Server) reloadDynamicSamplesHandler(w http.ResponseWriter, r *http.Request) {
	lr, err := s.SpamFilter.ReloadSamples(r.Context())
	if err != nil {
		renderError(w, http.StatusInternalServerError, "can't reload samples", err)
		return
	}
	rest.RenderJSON(w, rest.JSON{"reloaded": true, "spam_samples": lr.SpamSamples, "ham_samples": lr.HamSamples})
}

// classify returns cached result for the text or classifies it with the active model
func (s *Server) classify(text string) (filter.Result, error) {
	key := strconv.FormatUint(s.gen.Load(), 10) + ":" + text
	if res, ok := s.results.Get(key); ok {
		return res, nil
	}
	res, err := s.SpamFilter.Classify(text)
	if err != nil {
		return filter.Result{}, err
	}
	s.results.Set(key, res, 0)
	return res, nil
}

func (s *Server) rateLimiter() func(http.Handler) http.Handler {
	lmt := tollbooth.NewLimiter(s.RateLimit, nil)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	return func(next http.Handler) http.Handler {
		return tollbooth.LimitHandler(lmt, next)
	}
}

func (s *Server) authMiddleware(mw func(next http.Handler) http.Handler) func(next http.Handler) http.Handler {
	if s.AuthPasswd == "" {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	return mw
}

func renderError(w http.ResponseWriter, status int, msg string, err error) {
	log.Printf("[WARN] %s: %v", msg, err)
	w.WriteHeader(status)
	rest.RenderJSON(w, rest.JSON{"error": msg, "details": err.Error()})
}

// errorStatus maps classifier and filter errors to http status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, nbayes.ErrNotFitted):
		return http.StatusServiceUnavailable
	case errors.Is(err, nbayes.ErrInvalidInput), errors.Is(err, nbayes.ErrLengthMismatch):
		return http.StatusBadRequest
	case errors.Is(err, filter.ErrSampleNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// GenerateRandomPassword generates a random password of a given length
func GenerateRandomPassword(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*()_+"

	var password strings.Builder
	charsetSize := big.NewInt(int64(len(charset)))
	for i := 0; i < length; i++ {
		randomNumber, err := rand.Int(rand.Reader, charsetSize)
		if err != nil {
			return "", err
		}
		password.WriteByte(charset[randomNumber.Int64()])
	}
	return password.String(), nil
}
