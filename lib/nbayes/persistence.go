package nbayes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// FormatVersion is the version of the stored model record written by Encode
const FormatVersion = 1

// priorsTolerance is the allowed deviation of restored priors from their expected values
const priorsTolerance = 1e-9

// modelRecord is the stored form of Classifier
type modelRecord struct {
	Version   int         `json:"version"`
	Smoothing float64     `json:"smoothing"`
	Fitted    bool        `json:"fitted"`
	PSpam     float64     `json:"p_spam"`
	PHam      float64     `json:"p_ham"`
	VocabSize int         `json:"vocab_size"`
	Spam      classRecord `json:"spam"`
	Ham       classRecord `json:"ham"`
}

type classRecord struct {
	Docs   int            `json:"docs"`
	Total  int            `json:"total_words"`
	Counts map[string]int `json:"counts"`
}

// Encode writes the complete classifier state to w as a versioned JSON record.
// Map keys are written sorted, so equal classifiers produce equal output.
func (c *Classifier) Encode(w io.Writer) error {
	c.mu.Lock() // no fit in progress
	defer c.mu.Unlock()

	rec := modelRecord{Version: FormatVersion, Smoothing: c.alpha, Fitted: c.fitted.Load()}
	if rec.Fitted {
		rec.PSpam, rec.PHam, rec.VocabSize = c.pSpam, c.pHam, c.vocabSize
		rec.Spam = classRecord{Docs: c.spam.docs, Total: c.spam.total, Counts: c.spam.counts}
		rec.Ham = classRecord{Docs: c.ham.docs, Total: c.ham.total, Counts: c.ham.counts}
	}
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return nil
}

// Serialize returns the encoded classifier state
func (c *Classifier) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a record written by Encode and restores an equivalent classifier
func Decode(r io.Reader) (*Classifier, error) {
	var rec modelRecord
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptModel, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected data after model record", ErrCorruptModel)
	}
	if rec.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, rec.Version)
	}

	c, err := New(rec.Smoothing)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptModel, err)
	}
	if !rec.Fitted {
		if len(rec.Spam.Counts) > 0 || len(rec.Ham.Counts) > 0 || rec.VocabSize != 0 {
			return nil, fmt.Errorf("%w: unfitted model with statistics", ErrCorruptModel)
		}
		return c, nil
	}
	if err := rec.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptModel, err)
	}

	c.spam = rec.Spam.stats()
	c.ham = rec.Ham.stats()
	c.pSpam, c.pHam = rec.PSpam, rec.PHam
	c.vocabSize = rec.VocabSize
	c.fitted.Store(true)
	return c, nil
}

// Deserialize restores a classifier from bytes made by Serialize
func Deserialize(data []byte) (*Classifier, error) {
	return Decode(bytes.NewReader(data))
}

// validate checks invariants of a fitted record
func (rec modelRecord) validate() error {
	vocab := make(map[string]struct{}, len(rec.Spam.Counts)+len(rec.Ham.Counts))
	for name, cr := range map[Label]classRecord{Spam: rec.Spam, Ham: rec.Ham} {
		if cr.Docs < 0 {
			return fmt.Errorf("negative %s document count %d", name, cr.Docs)
		}
		sum := 0
		for token, count := range cr.Counts {
			if count < 0 {
				return fmt.Errorf("negative %s count %d for %q", name, count, token)
			}
			sum += count
			vocab[token] = struct{}{}
		}
		if sum != cr.Total {
			return fmt.Errorf("%s total %d doesn't match counts sum %d", name, cr.Total, sum)
		}
	}
	if len(vocab) != rec.VocabSize {
		return fmt.Errorf("vocabulary size %d doesn't match %d distinct tokens", rec.VocabSize, len(vocab))
	}
	if rec.VocabSize == 0 {
		return fmt.Errorf("empty vocabulary")
	}

	nDocs := float64(rec.Spam.Docs + rec.Ham.Docs)
	if nDocs == 0 {
		return fmt.Errorf("no documents")
	}
	wantSpam := (float64(rec.Spam.Docs) + rec.Smoothing) / (nDocs + 2*rec.Smoothing)
	wantHam := (float64(rec.Ham.Docs) + rec.Smoothing) / (nDocs + 2*rec.Smoothing)
	if math.Abs(rec.PSpam-wantSpam) > priorsTolerance || math.Abs(rec.PHam-wantHam) > priorsTolerance {
		return fmt.Errorf("priors %v/%v don't match document counts", rec.PSpam, rec.PHam)
	}
	return nil
}

func (cr classRecord) stats() classStats {
	counts := make(map[string]int, len(cr.Counts))
	for token, count := range cr.Counts {
		counts[token] = count
	}
	return classStats{counts: counts, total: cr.Total, docs: cr.Docs}
}
