// Package nbayes implements a two-class (spam/ham) multinomial Naive Bayes text classifier.
//
// The classifier is created with New and a positive Laplace smoothing factor, fitted exactly once
// with Fit and read-only afterwards. Classify, ClassProbabilities and Score are safe for concurrent
// use once Fit has returned. Probabilities are accumulated in log space and normalized with
// log-sum-exp, so long messages don't underflow.
//
// Texts are tokenized by splitting on whitespace, lowercasing and trimming the punctuation set
// . , ! ? ; : " ( ) [ ] { } from both ends of every token. Tokens left empty after trimming are dropped.
//
// A fitted classifier can be stored with Encode/Serialize and restored with Decode/Deserialize,
// the stored form is a versioned JSON record.
package nbayes

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Label is a class of a message
type Label string

// enum of supported labels
const (
	Spam Label = "spam"
	Ham  Label = "ham"
)

// ParseLabel converts a string to Label. Accepts "spam"/"ham" in any case and "1"/"0".
func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spam", "1":
		return Spam, nil
	case "ham", "0":
		return Ham, nil
	}
	return "", fmt.Errorf("%w: unknown label %q", ErrInvalidInput, s)
}

// String implements Stringer interface
func (l Label) String() string { return string(l) }

// Validate checks if the label is one of Spam or Ham
func (l Label) Validate() error {
	switch l {
	case Spam, Ham:
		return nil
	}
	return fmt.Errorf("%w: invalid label %q", ErrInvalidInput, string(l))
}

// Probabilities is a posterior distribution over both classes, Spam+Ham == 1
type Probabilities struct {
	Spam float64 `json:"spam"`
	Ham  float64 `json:"ham"`
}

// Label returns the most probable class. Equal probabilities resolve to Ham.
func (p Probabilities) Label() Label {
	if p.Spam > p.Ham {
		return Spam
	}
	return Ham
}

// classStats keeps word-frequency statistics of a single class
type classStats struct {
	counts map[string]int // token -> number of occurrences
	total  int            // sum of all counts
	docs   int            // number of documents of the class
}

// Classifier is a multinomial Naive Bayes classifier with Laplace smoothing.
// The zero value is not usable, make it with New.
type Classifier struct {
	alpha     float64
	spam      classStats
	ham       classStats
	pSpam     float64
	pHam      float64
	vocabSize int

	mu     sync.Mutex  // serializes fitting, the only mutating phase
	fitted atomic.Bool // published after all statistics are set
}

// MinSmoothing is the smallest accepted smoothing factor, the smallest normal float64
const MinSmoothing = 0x1p-1022

// New makes an unfitted classifier with the given smoothing factor.
// Alpha must be finite and not less than MinSmoothing.
func New(alpha float64) (*Classifier, error) {
	if !(alpha >= MinSmoothing) || math.IsInf(alpha, 1) {
		return nil, fmt.Errorf("%w: smoothing factor must be at least %v and finite, got %v", ErrInvalidConstruction, MinSmoothing, alpha)
	}
	return &Classifier{alpha: alpha}, nil
}

// Fit builds word-frequency tables and class priors from parallel texts and labels.
// It can be called only once, a second call fails with ErrAlreadyFitted. On error the classifier is left unchanged.
func (c *Classifier) Fit(texts []string, labels []Label) error {
	if len(texts) == 0 || len(labels) == 0 {
		return fmt.Errorf("%w: texts and labels must contain at least one element", ErrInvalidInput)
	}
	if len(texts) != len(labels) {
		return fmt.Errorf("%w: %d texts and %d labels", ErrInvalidInput, len(texts), len(labels))
	}
	for i, l := range labels {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("label %d: %w", i, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fitted.Load() {
		return fmt.Errorf("%w: create a new instance to fit again", ErrAlreadyFitted)
	}

	spam := classStats{counts: make(map[string]int)}
	ham := classStats{counts: make(map[string]int)}
	vocab := make(map[string]struct{})
	for i, text := range texts {
		st := &ham
		if labels[i] == Spam {
			st = &spam
		}
		st.docs++
		for _, token := range tokenize(text) {
			st.counts[token]++
			st.total++
			vocab[token] = struct{}{}
		}
	}
	if len(vocab) == 0 {
		return fmt.Errorf("%w: training texts contain no tokens", ErrInvalidInput)
	}

	nDocs := float64(spam.docs + ham.docs)
	c.spam, c.ham = spam, ham
	c.vocabSize = len(vocab)
	c.pSpam = (float64(spam.docs) + c.alpha) / (nDocs + 2*c.alpha)
	c.pHam = (float64(ham.docs) + c.alpha) / (nDocs + 2*c.alpha)
	c.fitted.Store(true)
	return nil
}

// Fitted reports whether Fit has completed
func (c *Classifier) Fitted() bool { return c.fitted.Load() }

// Smoothing returns the Laplace smoothing factor
func (c *Classifier) Smoothing() float64 { return c.alpha }

// Classify returns the most probable label of the text
func (c *Classifier) Classify(text string) (Label, error) {
	p, err := c.ClassProbabilities(text)
	if err != nil {
		return "", err
	}
	return p.Label(), nil
}

// ClassProbabilities returns posterior probabilities of both classes for the text.
// An empty text (or one without tokens) gets the class priors.
func (c *Classifier) ClassProbabilities(text string) (Probabilities, error) {
	if !c.fitted.Load() {
		return Probabilities{}, ErrNotFitted
	}
	logSpam, logHam := c.logPrior(&c.spam), c.logPrior(&c.ham)
	for _, token := range tokenize(text) {
		logSpam += c.logLikelihood(token, &c.spam)
		logHam += c.logLikelihood(token, &c.ham)
	}

	// shift by max so both exponents are <= 0
	mx := math.Max(logSpam, logHam)
	expSpam, expHam := math.Exp(logSpam-mx), math.Exp(logHam-mx)
	sum := expSpam + expHam
	return Probabilities{Spam: expSpam / sum, Ham: expHam / sum}, nil
}

// Score classifies every text and returns the fraction of predictions matching labels
func (c *Classifier) Score(texts []string, labels []Label) (float64, error) {
	if !c.fitted.Load() {
		return 0, ErrNotFitted
	}
	if len(texts) != len(labels) {
		return 0, fmt.Errorf("%w: %d texts and %d labels", ErrLengthMismatch, len(texts), len(labels))
	}
	if len(texts) == 0 {
		return 0, fmt.Errorf("%w: nothing to score", ErrInvalidInput)
	}

	matched := 0
	for i, text := range texts {
		if err := labels[i].Validate(); err != nil {
			return 0, fmt.Errorf("label %d: %w", i, err)
		}
		predicted, err := c.Classify(text)
		if err != nil {
			return 0, err
		}
		if predicted == labels[i] {
			matched++
		}
	}
	return float64(matched) / float64(len(texts)), nil
}

// WordProbability returns the smoothed P(word|label). The word is normalized the same way as text tokens.
func (c *Classifier) WordProbability(word string, label Label) (float64, error) {
	if !c.fitted.Load() {
		return 0, ErrNotFitted
	}
	if err := label.Validate(); err != nil {
		return 0, err
	}
	return c.likelihood(normalize(word), c.stats(label)), nil
}

// WordProbabilityTotal returns the marginal P(word), the prior-weighted mix of both class likelihoods
func (c *Classifier) WordProbabilityTotal(word string) (float64, error) {
	if !c.fitted.Load() {
		return 0, ErrNotFitted
	}
	token := normalize(word)
	return c.likelihood(token, &c.spam)*c.pSpam + c.likelihood(token, &c.ham)*c.pHam, nil
}

// Priors returns smoothed class priors
func (c *Classifier) Priors() (Probabilities, error) {
	if !c.fitted.Load() {
		return Probabilities{}, ErrNotFitted
	}
	return Probabilities{Spam: c.pSpam, Ham: c.pHam}, nil
}

// Info is a summary of the classifier state
type Info struct {
	Fitted    bool          `json:"fitted"`
	Smoothing float64       `json:"smoothing"`
	SpamDocs  int           `json:"spam_docs"`
	HamDocs   int           `json:"ham_docs"`
	SpamWords int           `json:"spam_words"`
	HamWords  int           `json:"ham_words"`
	VocabSize int           `json:"vocab_size"`
	Priors    Probabilities `json:"priors"`
}

// Info returns a summary of the classifier. For an unfitted classifier only Smoothing is set.
func (c *Classifier) Info() Info {
	if !c.fitted.Load() {
		return Info{Smoothing: c.alpha}
	}
	return Info{
		Fitted:    true,
		Smoothing: c.alpha,
		SpamDocs:  c.spam.docs,
		HamDocs:   c.ham.docs,
		SpamWords: c.spam.total,
		HamWords:  c.ham.total,
		VocabSize: c.vocabSize,
		Priors:    Probabilities{Spam: c.pSpam, Ham: c.pHam},
	}
}

// TokenCount is a token with its number of occurrences in a class
type TokenCount struct {
	Token string `json:"token"`
	Count int    `json:"count"`
}

// TopTokens returns up to n most frequent tokens of the class, ties ordered by token
func (c *Classifier) TopTokens(label Label, n int) ([]TokenCount, error) {
	if !c.fitted.Load() {
		return nil, ErrNotFitted
	}
	if err := label.Validate(); err != nil {
		return nil, err
	}
	st := c.stats(label)
	res := make([]TokenCount, 0, len(st.counts))
	for token, count := range st.counts {
		res = append(res, TokenCount{Token: token, Count: count})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Count != res[j].Count {
			return res[i].Count > res[j].Count
		}
		return res[i].Token < res[j].Token
	})
	if n >= 0 && n < len(res) {
		res = res[:n]
	}
	return res, nil
}

// Vocabulary returns sorted distinct tokens seen during fitting
func (c *Classifier) Vocabulary() ([]string, error) {
	if !c.fitted.Load() {
		return nil, ErrNotFitted
	}
	res := make([]string, 0, c.vocabSize)
	for token := range c.spam.counts {
		res = append(res, token)
	}
	for token := range c.ham.counts {
		if _, ok := c.spam.counts[token]; !ok {
			res = append(res, token)
		}
	}
	sort.Strings(res)
	return res, nil
}

// likelihood is the Laplace-smoothed P(token|class)
func (c *Classifier) likelihood(token string, st *classStats) float64 {
	return (float64(st.counts[token]) + c.alpha) / (float64(st.total) + c.alpha*float64(c.vocabSize))
}

// logPrior is log((docs+alpha)/(nDocs+2*alpha)) computed as a difference of logs
func (c *Classifier) logPrior(st *classStats) float64 {
	nDocs := float64(c.spam.docs + c.ham.docs)
	return math.Log(float64(st.docs)+c.alpha) - math.Log(nDocs+2*c.alpha)
}

// logLikelihood is the log of the Laplace-smoothed P(token|class)
func (c *Classifier) logLikelihood(token string, st *classStats) float64 {
	return math.Log(float64(st.counts[token])+c.alpha) - math.Log(float64(st.total)+c.alpha*float64(c.vocabSize))
}

func (c *Classifier) stats(label Label) *classStats {
	if label == Spam {
		return &c.spam
	}
	return &c.ham
}
