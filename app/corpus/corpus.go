// Package corpus keeps labeled messages used to train and evaluate the classifier.
// Messages come from line-oriented sample files (one message per line) or from the samples storage,
// messages with empty content are dropped.
package corpus

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/umputun/nbmail/app/storage"
	"github.com/umputun/nbmail/lib/nbayes"
)

// Message is a single message of the corpus
type Message struct {
	ID      string
	Content string
}

// Corpus is a set of spam and ham messages. IDs are unique within a class, adding a message
// with an existing ID replaces its content.
type Corpus struct {
	Spam []Message
	Ham  []Message

	index map[nbayes.Label]map[string]int // id -> position in Spam or Ham
}

// Dataset is a flattened corpus, parallel texts and labels
type Dataset struct {
	Texts  []string
	Labels []nbayes.Label
}

// Len returns number of records in the dataset
func (d Dataset) Len() int { return len(d.Texts) }

// Counts returns number of spam and ham records
func (d Dataset) Counts() (spam, ham int) {
	for _, l := range d.Labels {
		if l == nbayes.Spam {
			spam++
			continue
		}
		ham++
	}
	return spam, ham
}

// SampleReader reads stored samples
type SampleReader interface {
	Read(ctx context.Context, l nbayes.Label, o storage.SampleOrigin) ([]storage.Sample, error)
}

// New makes an empty corpus
func New() *Corpus {
	return &Corpus{index: map[nbayes.Label]map[string]int{nbayes.Spam: {}, nbayes.Ham: {}}}
}

// Add puts a message into the class. Returns false if the message was dropped for empty content.
func (c *Corpus) Add(l nbayes.Label, m Message) (bool, error) {
	if err := l.Validate(); err != nil {
		return false, err
	}
	if strings.TrimSpace(m.Content) == "" {
		return false, nil
	}
	msgs := c.messages(l)
	if pos, ok := c.index[l][m.ID]; ok {
		(*msgs)[pos] = m
		return true, nil
	}
	c.index[l][m.ID] = len(*msgs)
	*msgs = append(*msgs, m)
	return true, nil
}

// Load reads messages of the class from readers, one message per line.
// Every message gets an ID made of the label and its position in the class, like "spam-12".
// Errors of all readers are collected, messages from good readers are kept.
func (c *Corpus) Load(l nbayes.Label, readers ...io.Reader) error {
	if err := l.Validate(); err != nil {
		return err
	}
	errs := new(multierror.Error)
	for i, r := range readers {
		if r == nil {
			errs = multierror.Append(errs, fmt.Errorf("reader %d is nil", i))
			continue
		}
		added, dropped, err := c.load(l, r)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't read %s samples from reader %d: %w", l, i, err))
		}
		log.Printf("[DEBUG] loaded %d %s samples, dropped %d empty", added, l, dropped)
	}
	return errs.ErrorOrNil()
}

// LoadFiles reads messages of the class from files, one message per line
func (c *Corpus) LoadFiles(l nbayes.Label, paths ...string) error {
	errs := new(multierror.Error)
	for _, path := range paths {
		fh, err := os.Open(path) //nolint:gosec // path is controlled by the app
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to open %s: %w", path, err))
			continue
		}
		if err = c.Load(l, fh); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to load %s: %w", path, err))
		}
		if err = fh.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close %s: %w", path, err))
		}
	}
	return errs.ErrorOrNil()
}

// LoadSamples adds all stored samples of both classes, IDs are "db-<id>".
// A stored sample with the same content as a message already in its class is skipped,
// so samples kept both in files and in the storage are counted once.
func (c *Corpus) LoadSamples(ctx context.Context, sr SampleReader) error {
	samples, err := sr.Read(ctx, "", storage.SampleOriginAny)
	if err != nil {
		return fmt.Errorf("can't read stored samples: %w", err)
	}
	known := map[nbayes.Label]map[string]bool{nbayes.Spam: {}, nbayes.Ham: {}}
	for l, msgs := range known {
		for _, m := range *c.messages(l) {
			msgs[strings.TrimSpace(m.Content)] = true
		}
	}

	skipped := 0
	for _, s := range samples {
		if known[s.Label][strings.TrimSpace(s.Message)] {
			skipped++
			continue
		}
		if _, err := c.Add(s.Label, Message{ID: "db-" + strconv.FormatInt(s.ID, 10), Content: s.Message}); err != nil {
			return fmt.Errorf("bad stored sample %d: %w", s.ID, err)
		}
	}
	log.Printf("[DEBUG] loaded %d stored samples, skipped %d already known", len(samples)-skipped, skipped)
	return nil
}

// Dataset flattens the corpus into parallel texts and labels, spam first
func (c *Corpus) Dataset() Dataset {
	res := Dataset{
		Texts:  make([]string, 0, len(c.Spam)+len(c.Ham)),
		Labels: make([]nbayes.Label, 0, len(c.Spam)+len(c.Ham)),
	}
	for _, m := range c.Spam {
		res.Texts = append(res.Texts, m.Content)
		res.Labels = append(res.Labels, nbayes.Spam)
	}
	for _, m := range c.Ham {
		res.Texts = append(res.Texts, m.Content)
		res.Labels = append(res.Labels, nbayes.Ham)
	}
	return res
}

// Split shuffles the dataset with the seed and splits it into train and test parts.
// The test part gets ceil(n*testSize) records, both parts must be non-empty.
// The same dataset, testSize and seed always give the same split.
func (d Dataset) Split(testSize float64, seed uint64) (train, test Dataset, err error) {
	if !(testSize > 0 && testSize < 1) {
		return Dataset{}, Dataset{}, fmt.Errorf("test size must be in (0, 1), got %v", testSize)
	}
	if len(d.Texts) != len(d.Labels) {
		return Dataset{}, Dataset{}, fmt.Errorf("%d texts and %d labels", len(d.Texts), len(d.Labels))
	}
	n := len(d.Texts)
	nTest := int(math.Ceil(float64(n) * testSize))
	if nTest >= n {
		return Dataset{}, Dataset{}, fmt.Errorf("can't split %d records with test size %v", n, testSize)
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	rnd := rand.New(rand.NewPCG(seed, seed)) //nolint:gosec // deterministic shuffle, not security sensitive
	rnd.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

	pick := func(idx []int) Dataset {
		res := Dataset{Texts: make([]string, 0, len(idx)), Labels: make([]nbayes.Label, 0, len(idx))}
		for _, i := range idx {
			res.Texts = append(res.Texts, d.Texts[i])
			res.Labels = append(res.Labels, d.Labels[i])
		}
		return res
	}
	return pick(perm[nTest:]), pick(perm[:nTest]), nil
}

func (c *Corpus) load(l nbayes.Label, r io.Reader) (added, dropped int, err error) {
	scanner := bufio.NewScanner(r)
	const maxScanTokenSize = 64 * 1024
	scanner.Buffer(make([]byte, maxScanTokenSize), maxScanTokenSize)
	for scanner.Scan() {
		id := l.String() + "-" + strconv.Itoa(len(*c.messages(l))+1)
		ok, e := c.Add(l, Message{ID: id, Content: scanner.Text()})
		if e != nil {
			return added, dropped, e
		}
		if !ok {
			dropped++
			continue
		}
		added++
	}
	return added, dropped, scanner.Err()
}

func (c *Corpus) messages(l nbayes.Label) *[]Message {
	if c.index == nil {
		c.index = map[nbayes.Label]map[string]int{nbayes.Spam: {}, nbayes.Ham: {}}
	}
	if l == nbayes.Spam {
		return &c.Spam
	}
	return &c.Ham
}
