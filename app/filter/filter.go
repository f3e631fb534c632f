// Package filter owns the active spam classifier. It builds classifiers from sample files and stored samples,
// swaps them in atomically, watches sample files for changes and keeps samples reported at runtime.
// A fitted classifier never changes, so every reload makes a new classifier and replaces the active one.
package filter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/fileutils"

	"github.com/umputun/nbmail/app/corpus"
	"github.com/umputun/nbmail/app/storage"
	"github.com/umputun/nbmail/lib/nbayes"
)

// SpamFilter classifies messages with the active model and rebuilds it from samples on demand
type SpamFilter struct {
	params      Config
	active      atomic.Pointer[Model]
	spamUpdater *SampleUpdater
	hamUpdater  *SampleUpdater

	reloadMu sync.Mutex // serializes reloads and sample updates

	listenersMu sync.Mutex
	listeners   []func(Model)

	logMu sync.Mutex
}

// Config is a full set of parameters for spam filter
type Config struct {
	// samples file names, watched for changes and reloaded
	SpamSamplesFile string
	HamSamplesFile  string
	SpamDynamicFile string
	HamDynamicFile  string

	Smoothing  float64       // laplace smoothing factor for rebuilt classifiers
	WatchDelay time.Duration // delay before reload after file change, 0 disables watcher

	Samples     SampleStore // optional storage with samples, used in addition to files
	Classifying io.Writer   // optional log of classification results, json lines
}

// SampleStore is a storage of labeled samples
type SampleStore interface {
	Add(ctx context.Context, l nbayes.Label, o storage.SampleOrigin, message string) error
	Read(ctx context.Context, l nbayes.Label, o storage.SampleOrigin) ([]storage.Sample, error)
	Delete(ctx context.Context, id int64) error
}

// Model is the active classifier with its origin
type Model struct {
	Classifier *nbayes.Classifier
	Name       string
	LoadedAt   time.Time
}

// LoadResult is a summary of reloaded samples
type LoadResult struct {
	SpamSamples int `json:"spam_samples"`
	HamSamples  int `json:"ham_samples"`
}

// Result is a classification result of a single message
type Result struct {
	Label         nbayes.Label         `json:"label"`
	Probabilities nbayes.Probabilities `json:"probabilities"`
	Model         string               `json:"model"`
}

// logEntry is a single record of classification log
type logEntry struct {
	TS    time.Time    `json:"ts"`
	Label nbayes.Label `json:"label"`
	Spam  float64      `json:"spam_probability"`
	Model string       `json:"model"`
	Text  string       `json:"text"`
}

// NewSpamFilter creates new spam filter. It has no active model until ReloadSamples or SetClassifier is called.
// If params.WatchDelay is set, sample files are watched and reloaded on change until ctx is canceled.
func NewSpamFilter(ctx context.Context, params Config) *SpamFilter {
	if params.Smoothing == 0 {
		params.Smoothing = 1
	}
	res := &SpamFilter{params: params}
	if params.SpamDynamicFile != "" {
		res.spamUpdater = NewSampleUpdater(params.SpamDynamicFile)
	}
	if params.HamDynamicFile != "" {
		res.hamUpdater = NewSampleUpdater(params.HamDynamicFile)
	}

	if params.WatchDelay > 0 {
		// dynamic files may not exist yet, watcher picks them up once created
		files := []string{params.SpamSamplesFile, params.HamSamplesFile}
		for _, f := range []string{params.SpamDynamicFile, params.HamDynamicFile} {
			if f != "" {
				files = append(files, f)
			}
		}
		go func() {
			if err := watch(ctx, params.WatchDelay, files, func() error {
				if _, err := res.ReloadSamples(ctx); err != nil {
					return fmt.Errorf("can't reload samples on change: %w", err)
				}
				return nil
			}); err != nil {
				log.Printf("[WARN] samples file watcher failed: %v", err)
			}
		}()
	}
	return res
}

// ReloadSamples builds a new classifier from sample files and stored samples and makes it active.
// Spam and ham sample files are mandatory, dynamic files and the samples storage are optional.
// On error the active model is left as is.
func (s *SpamFilter) ReloadSamples(ctx context.Context) (LoadResult, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.reload(ctx)
}

func (s *SpamFilter) reload(ctx context.Context) (LoadResult, error) {
	log.Printf("[DEBUG] reloading samples")
	c := corpus.New()
	if err := c.LoadFiles(nbayes.Spam, s.params.SpamSamplesFile); err != nil {
		return LoadResult{}, fmt.Errorf("failed to load spam samples: %w", err)
	}
	if err := c.LoadFiles(nbayes.Ham, s.params.HamSamplesFile); err != nil {
		return LoadResult{}, fmt.Errorf("failed to load ham samples: %w", err)
	}

	// dynamic samples are optional
	for _, l := range []nbayes.Label{nbayes.Spam, nbayes.Ham} {
		upd := s.updater(l)
		if upd == nil || !fileutils.IsFile(upd.fileName) {
			continue
		}
		if err := loadDynamic(c, l, upd); err != nil {
			return LoadResult{}, err
		}
	}

	if s.params.Samples != nil {
		if err := c.LoadSamples(ctx, s.params.Samples); err != nil {
			return LoadResult{}, fmt.Errorf("failed to load stored samples: %w", err)
		}
	}

	ds := c.Dataset()
	cl, err := nbayes.New(s.params.Smoothing)
	if err != nil {
		return LoadResult{}, fmt.Errorf("can't make classifier: %w", err)
	}
	if err := cl.Fit(ds.Texts, ds.Labels); err != nil {
		return LoadResult{}, fmt.Errorf("can't fit classifier: %w", err)
	}

	lr := LoadResult{SpamSamples: len(c.Spam), HamSamples: len(c.Ham)}
	s.swap(Model{Classifier: cl, Name: "samples", LoadedAt: time.Now()})
	log.Printf("[INFO] loaded samples - spam: %d, ham: %d, vocabulary: %d", lr.SpamSamples, lr.HamSamples, cl.Info().VocabSize)
	return lr, nil
}

// SetClassifier makes the fitted classifier active under the name
func (s *SpamFilter) SetClassifier(c *nbayes.Classifier, name string) error {
	if c == nil || !c.Fitted() {
		return fmt.Errorf("can't activate model %s: %w", name, nbayes.ErrNotFitted)
	}
	s.swap(Model{Classifier: c, Name: name, LoadedAt: time.Now()})
	log.Printf("[INFO] model %s activated", name)
	return nil
}

// Active returns the active model, false if there is none
func (s *SpamFilter) Active() (Model, bool) {
	m := s.active.Load()
	if m == nil {
		return Model{}, false
	}
	return *m, true
}

// OnSwap registers a function called with the new model every time the active model changes
func (s *SpamFilter) OnSwap(fn func(Model)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Classify checks the message with the active model
func (s *SpamFilter) Classify(text string) (Result, error) {
	m := s.active.Load()
	if m == nil {
		return Result{}, fmt.Errorf("no active model: %w", nbayes.ErrNotFitted)
	}
	p, err := m.Classifier.ClassProbabilities(text)
	if err != nil {
		return Result{}, fmt.Errorf("can't classify: %w", err)
	}
	res := Result{Label: p.Label(), Probabilities: p, Model: m.Name}
	s.logResult(res, text)
	return res, nil
}

// UpdateSpam adds a message to spam samples and rebuilds the classifier
func (s *SpamFilter) UpdateSpam(ctx context.Context, msg string) error {
	if err := s.update(ctx, nbayes.Spam, msg); err != nil {
		return fmt.Errorf("can't update spam samples: %w", err)
	}
	return nil
}

// UpdateHam adds a message to ham samples and rebuilds the classifier
func (s *SpamFilter) UpdateHam(ctx context.Context, msg string) error {
	if err := s.update(ctx, nbayes.Ham, msg); err != nil {
		return fmt.Errorf("can't update ham samples: %w", err)
	}
	return nil
}

// DynamicSamples returns samples reported at runtime. Both files are optional.
func (s *SpamFilter) DynamicSamples() (spam, ham []string, err error) {
	spam, ham = []string{}, []string{}
	if s.spamUpdater != nil {
		if spam, err = s.spamUpdater.Lines(); err != nil {
			return nil, nil, fmt.Errorf("failed to read spam dynamic samples: %w", err)
		}
	}
	if s.hamUpdater != nil {
		if ham, err = s.hamUpdater.Lines(); err != nil {
			return nil, nil, fmt.Errorf("failed to read ham dynamic samples: %w", err)
		}
	}
	return spam, ham, nil
}

// RemoveDynamicSample removes the message from dynamic samples of the class and from the samples storage,
// then rebuilds the classifier. Returns number of removed samples, ErrSampleNotFound if nothing matched.
func (s *SpamFilter) RemoveDynamicSample(ctx context.Context, l nbayes.Label, msg string) (int, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	cleanMsg := cleanSample(msg)
	if cleanMsg == "" {
		return 0, fmt.Errorf("%w: empty message", nbayes.ErrInvalidInput)
	}
	upd := s.updater(l)
	if upd == nil && s.params.Samples == nil {
		return 0, fmt.Errorf("no dynamic %s samples file or samples storage", l)
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	count := 0
	if upd != nil {
		n, err := upd.Remove(cleanMsg)
		if err != nil && !errors.Is(err, ErrSampleNotFound) {
			return 0, fmt.Errorf("failed to remove dynamic %s sample: %w", l, err)
		}
		count += n
	}
	if s.params.Samples != nil {
		n, err := s.removeStored(ctx, l, cleanMsg)
		if err != nil {
			return 0, fmt.Errorf("failed to remove stored %s sample: %w", l, err)
		}
		count += n
	}
	if count == 0 {
		return 0, fmt.Errorf("%s sample %q: %w", l, cleanMsg, ErrSampleNotFound)
	}
	if _, err := s.reload(ctx); err != nil {
		return 0, fmt.Errorf("failed to reload samples after removing dynamic %s sample: %w", l, err)
	}
	return count, nil
}

func (s *SpamFilter) update(ctx context.Context, l nbayes.Label, msg string) error {
	cleanMsg := cleanSample(msg)
	if cleanMsg == "" {
		return fmt.Errorf("%w: empty message", nbayes.ErrInvalidInput)
	}
	log.Printf("[DEBUG] update %s samples with %q", l, cleanMsg)

	upd := s.updater(l)
	if upd == nil && s.params.Samples == nil {
		return fmt.Errorf("no dynamic %s samples file or samples storage", l)
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if upd != nil {
		if _, err := upd.Append(cleanMsg); err != nil {
			return err
		}
	}
	if s.params.Samples != nil {
		if err := s.params.Samples.Add(ctx, l, storage.SampleOriginUser, cleanMsg); err != nil {
			return fmt.Errorf("can't store sample: %w", err)
		}
	}
	if _, err := s.reload(ctx); err != nil {
		return err
	}
	return nil
}

// removeStored deletes stored samples of the class matching the message, any origin
func (s *SpamFilter) removeStored(ctx context.Context, l nbayes.Label, cleanMsg string) (int, error) {
	samples, err := s.params.Samples.Read(ctx, l, storage.SampleOriginAny)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sample := range samples {
		if sample.Label != l || !sameSample(sample.Message, cleanMsg) {
			continue
		}
		if err := s.params.Samples.Delete(ctx, sample.ID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func loadDynamic(c *corpus.Corpus, l nbayes.Label, upd *SampleUpdater) error {
	rd, err := upd.Reader()
	if err != nil {
		return fmt.Errorf("failed to open dynamic %s samples: %w", l, err)
	}
	defer rd.Close()
	if err := c.Load(l, rd); err != nil {
		return fmt.Errorf("failed to load dynamic %s samples: %w", l, err)
	}
	return nil
}

func (s *SpamFilter) updater(l nbayes.Label) *SampleUpdater {
	if l == nbayes.Spam {
		return s.spamUpdater
	}
	return s.hamUpdater
}

func (s *SpamFilter) swap(m Model) {
	s.active.Store(&m)
	s.listenersMu.Lock()
	listeners := append([]func(Model){}, s.listeners...)
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(m)
	}
}

func (s *SpamFilter) logResult(res Result, text string) {
	if s.params.Classifying == nil {
		return
	}
	entry := logEntry{TS: time.Now(), Label: res.Label, Spam: res.Probabilities.Spam, Model: res.Model, Text: text}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if err := json.NewEncoder(s.params.Classifying).Encode(entry); err != nil {
		log.Printf("[WARN] can't write classification log: %v", err)
	}
}
