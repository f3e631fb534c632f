package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/fileutils"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/jessevdk/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/nbmail/app/corpus"
	"github.com/umputun/nbmail/app/filter"
	"github.com/umputun/nbmail/app/storage"
	"github.com/umputun/nbmail/app/storage/engine"
	"github.com/umputun/nbmail/app/webapi"
	"github.com/umputun/nbmail/lib/nbayes"
)

type options struct {
	Train    struct{} `command:"train" description:"train classifier on samples and save the model"`
	Evaluate struct {
		TestSize float64 `long:"test-size" env:"TEST_SIZE" default:"0.2" description:"fraction of samples used for testing"`
		Seed     uint64  `long:"seed" env:"SEED" default:"42" description:"random seed of train/test split"`
	} `command:"evaluate" description:"train on a part of samples and report accuracy on the rest"`
	Classify struct {
		Model string `long:"model" env:"MODEL" description:"model file, latest saved model if not set"`
	} `command:"classify" description:"classify messages from args or stdin, one per line"`
	Server struct{} `command:"server" description:"run web API server"`
	Import struct {
		Cleanup bool `long:"cleanup" env:"CLEANUP" description:"remove stored samples of the same class and origin before import"`
	} `command:"import" description:"import sample files into the samples storage, dynamic files as user samples"`
	Models struct {
		Show   string `long:"show" description:"show details of the stored model"`
		Delete string `long:"delete" description:"delete the model from storages and the models directory"`
	} `command:"models" description:"list, show or delete trained models"`

	Smoothing float64 `long:"smoothing" env:"SMOOTHING" default:"1" description:"laplace smoothing factor"`

	Storage struct {
		URL string `long:"url" env:"URL" description:"samples and models database, sqlite file, :memory: or postgres url"`
		GID string `long:"gid" env:"GID" default:"nbmail" description:"group id, separates data of different instances"`
	} `group:"storage" namespace:"storage" env-namespace:"STORAGE"`

	Redis struct {
		URL    string `long:"url" env:"URL" description:"redis url for models, disabled if not set"`
		Prefix string `long:"prefix" env:"PREFIX" default:"nbmail" description:"redis keys prefix"`
	} `group:"redis" namespace:"redis" env-namespace:"REDIS"`

	Files struct {
		SamplesSpamFile string        `long:"spam" env:"SPAM" default:"data/spam-samples.txt" description:"spam samples"`
		SamplesHamFile  string        `long:"ham" env:"HAM" default:"data/ham-samples.txt" description:"ham samples"`
		DynamicSpamFile string        `long:"dynamic-spam" env:"DYNAMIC_SPAM" default:"data/spam-dynamic.txt" description:"dynamic spam file"`
		DynamicHamFile  string        `long:"dynamic-ham" env:"DYNAMIC_HAM" default:"data/ham-dynamic.txt" description:"dynamic ham file"`
		ModelsDir       string        `long:"models" env:"MODELS" default:"data/models" description:"directory for trained models"`
		WatchInterval   time.Duration `long:"watch-interval" env:"WATCH_INTERVAL" default:"5s" description:"delay before reload on samples change, 0 to disable"`
	} `group:"files" namespace:"files" env-namespace:"FILES"`

	HTTP struct {
		Listen     string        `long:"listen" env:"LISTEN" default:":8080" description:"listen address"`
		AuthPasswd string        `long:"auth" env:"AUTH" default:"auto" description:"basic auth password for user nbmail, 'auto' to generate, empty to disable"`
		RateLimit  float64       `long:"rate-limit" env:"RATE_LIMIT" default:"50" description:"max requests per second per client"`
		CacheTTL   time.Duration `long:"cache-ttl" env:"CACHE_TTL" default:"10m" description:"ttl of cached classification results"`
	} `group:"server" namespace:"server" env-namespace:"SERVER"`

	Logger struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated classification log"`
		FileName   string `long:"file" env:"FILE" default:"nbmail.log" description:"location of classification log"`
		MaxSize    string `long:"max-size" env:"MAX_SIZE" default:"100M" description:"maximum size before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

// modelStore keeps trained models, implemented by storage.Models and storage.RedisModels
type modelStore interface {
	Save(ctx context.Context, name string, c *nbayes.Classifier) error
	Latest(ctx context.Context) (*nbayes.Classifier, string, error)
}

// stores is a set of optional storages made from options
type stores struct {
	samples     *storage.Samples
	sqlModels   *storage.Models
	redisModels *storage.RedisModels
	models      []modelStore // all model storages, redis first
	closers     []io.Closer
}

var revision = "local"

var stdin io.Reader = os.Stdin

func main() {
	fmt.Printf("nbmail %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	args, err := p.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) || flagsErr.Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg, urlSecret(opts.Storage.URL), urlSecret(opts.Redis.URL), opts.HTTP.AuthPasswd)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := execute(ctx, opts, p.Active.Name, args); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts options, command string, args []string) error {
	st, err := makeStores(ctx, opts)
	if err != nil {
		return err
	}
	defer st.close()

	switch command {
	case "train":
		_, err = train(ctx, opts, st)
		return err
	case "evaluate":
		return evaluate(ctx, opts, st)
	case "classify":
		return classify(ctx, opts, st, args)
	case "server":
		return runServer(ctx, opts, st)
	case "import":
		return importSamples(ctx, opts, st)
	case "models":
		return manageModels(ctx, opts, st)
	}
	return fmt.Errorf("unknown command %q", command)
}

// train fits a classifier on all samples and saves it to the models directory and configured storages.
// Returns the name of saved model.
func train(ctx context.Context, opts options, st *stores) (string, error) {
	ds, err := loadDataset(ctx, opts, st)
	if err != nil {
		return "", err
	}
	spam, ham := ds.Counts()
	fmt.Printf("training naive bayes classifier on %d spam and %d ham samples\n", spam, ham)

	c, err := nbayes.New(opts.Smoothing)
	if err != nil {
		return "", fmt.Errorf("can't make classifier, %w", err)
	}
	if err := c.Fit(ds.Texts, ds.Labels); err != nil {
		return "", fmt.Errorf("can't train classifier, %w", err)
	}

	name := "nbayes_" + time.Now().Format("2006-01-02_15-04-05") + ".json"
	if err := saveModelFile(filepath.Join(opts.Files.ModelsDir, name), c); err != nil {
		return "", err
	}
	for _, ms := range st.models {
		if err := ms.Save(ctx, name, c); err != nil {
			return "", fmt.Errorf("can't save model to storage, %w", err)
		}
	}
	info := c.Info()
	fmt.Printf("training completed, vocabulary %d, model saved as %q\n", info.VocabSize, name)
	return name, nil
}

// evaluate splits samples into train and test parts, fits on the train part and prints accuracy of both
func evaluate(ctx context.Context, opts options, st *stores) error {
	ds, err := loadDataset(ctx, opts, st)
	if err != nil {
		return err
	}
	trainDs, testDs, err := ds.Split(opts.Evaluate.TestSize, opts.Evaluate.Seed)
	if err != nil {
		return fmt.Errorf("can't split samples, %w", err)
	}

	c, err := nbayes.New(opts.Smoothing)
	if err != nil {
		return fmt.Errorf("can't make classifier, %w", err)
	}
	if err = c.Fit(trainDs.Texts, trainDs.Labels); err != nil {
		return fmt.Errorf("can't train classifier, %w", err)
	}
	trainAcc, err := c.Score(trainDs.Texts, trainDs.Labels)
	if err != nil {
		return fmt.Errorf("can't score train samples, %w", err)
	}
	testAcc, err := c.Score(testDs.Texts, testDs.Labels)
	if err != nil {
		return fmt.Errorf("can't score test samples, %w", err)
	}
	fmt.Printf("samples: %d train, %d test (test size %.2f, seed %d)\n",
		trainDs.Len(), testDs.Len(), opts.Evaluate.TestSize, opts.Evaluate.Seed)
	fmt.Printf("train accuracy: %.4f\n", trainAcc)
	fmt.Printf("test accuracy: %.4f\n", testAcc)
	return nil
}

// classify loads a model and prints label and probabilities for every text from args or stdin
func classify(ctx context.Context, opts options, st *stores, args []string) error {
	c, name, err := loadModel(ctx, opts, st)
	if err != nil {
		return err
	}
	log.Printf("[INFO] using model %s", name)

	texts := args
	if len(texts) == 0 {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			texts = append(texts, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("can't read stdin, %w", err)
		}
	}
	for _, text := range texts {
		p, err := c.ClassProbabilities(text)
		if err != nil {
			return fmt.Errorf("can't classify %q, %w", text, err)
		}
		fmt.Printf("%s\tspam=%.4f\tham=%.4f\t%s\n", p.Label(), p.Spam, p.Ham, text)
	}
	return nil
}

// importSamples loads sample files into the samples storage. Spam and ham files are imported as preset samples,
// existing dynamic files as user samples.
func importSamples(ctx context.Context, opts options, st *stores) error {
	if st.samples == nil {
		return errors.New("samples storage is not configured, set --storage.url")
	}
	sources := []struct {
		label    nbayes.Label
		origin   storage.SampleOrigin
		path     string
		optional bool
	}{
		{label: nbayes.Spam, origin: storage.SampleOriginPreset, path: opts.Files.SamplesSpamFile},
		{label: nbayes.Ham, origin: storage.SampleOriginPreset, path: opts.Files.SamplesHamFile},
		{label: nbayes.Spam, origin: storage.SampleOriginUser, path: opts.Files.DynamicSpamFile, optional: true},
		{label: nbayes.Ham, origin: storage.SampleOriginUser, path: opts.Files.DynamicHamFile, optional: true},
	}
	for _, src := range sources {
		if src.optional && (src.path == "" || !fileutils.IsFile(src.path)) {
			continue
		}
		fh, err := os.Open(src.path) //nolint:gosec // path is controlled by the app
		if err != nil {
			return fmt.Errorf("can't open %s samples, %w", src.label, err)
		}
		_, err = st.samples.Import(ctx, src.label, src.origin, fh, opts.Import.Cleanup)
		if cerr := fh.Close(); cerr != nil {
			log.Printf("[WARN] can't close %s, %v", src.path, cerr)
		}
		if err != nil {
			return fmt.Errorf("can't import %s, %w", src.path, err)
		}
		log.Printf("[INFO] imported %s %s samples from %s", src.origin, src.label, src.path)
	}

	stats, err := st.samples.Stats(ctx)
	if err != nil {
		return fmt.Errorf("can't get samples stats, %w", err)
	}
	fmt.Printf("samples imported, %s\n", stats)
	return nil
}

// manageModels lists trained models, or shows or deletes the one set by --show/--delete
func manageModels(ctx context.Context, opts options, st *stores) error {
	switch {
	case opts.Models.Delete != "":
		return deleteModel(ctx, opts, st, opts.Models.Delete)
	case opts.Models.Show != "":
		return showModel(ctx, opts, st, opts.Models.Show)
	}

	files, err := filepath.Glob(filepath.Join(opts.Files.ModelsDir, "nbayes_*.json"))
	if err != nil {
		return fmt.Errorf("can't list models in %s, %w", opts.Files.ModelsDir, err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	for _, f := range files {
		fmt.Printf("file\t%s\n", filepath.Base(f))
	}
	if st.sqlModels != nil {
		infos, err := st.sqlModels.List(ctx)
		if err != nil {
			return err
		}
		for _, mi := range infos {
			fmt.Printf("db\t%s\t%s\tspam=%d ham=%d vocabulary=%d\n", mi.Name, mi.CreatedAt.Format(time.RFC3339),
				mi.SpamDocs, mi.HamDocs, mi.VocabSize)
		}
	}
	if st.redisModels != nil {
		names, err := st.redisModels.List(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Printf("redis\t%s\n", name)
		}
	}
	return nil
}

// showModel prints details of the model, looked up in the database, redis and the models directory
func showModel(ctx context.Context, opts options, st *stores, name string) error {
	if st.sqlModels != nil {
		mi, err := st.sqlModels.Info(ctx, name)
		if err == nil {
			fmt.Printf("db model %s, created %s, format version %d, spam docs %d, ham docs %d, vocabulary %d\n",
				mi.Name, mi.CreatedAt.Format(time.RFC3339), mi.Version, mi.SpamDocs, mi.HamDocs, mi.VocabSize)
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	var c *nbayes.Classifier
	source := "file"
	if st.redisModels != nil {
		rc, err := st.redisModels.Load(ctx, name)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		c, source = rc, "redis"
	}
	if c == nil {
		fc, err := loadModelFile(filepath.Join(opts.Files.ModelsDir, filepath.Base(name)))
		if err != nil {
			return fmt.Errorf("model %s, %w", name, err)
		}
		c, source = fc, "file"
	}
	info := c.Info()
	fmt.Printf("%s model %s, smoothing %v, spam docs %d, ham docs %d, vocabulary %d, priors spam=%.4f ham=%.4f\n",
		source, name, info.Smoothing, info.SpamDocs, info.HamDocs, info.VocabSize, info.Priors.Spam, info.Priors.Ham)
	return nil
}

// deleteModel removes the model from every place it is kept, fails if it is nowhere
func deleteModel(ctx context.Context, opts options, st *stores, name string) error {
	deleted := 0
	if st.sqlModels != nil {
		switch err := st.sqlModels.Delete(ctx, name); {
		case err == nil:
			deleted++
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
	}
	if st.redisModels != nil {
		switch err := st.redisModels.Delete(ctx, name); {
		case err == nil:
			deleted++
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
	}
	if path := filepath.Join(opts.Files.ModelsDir, filepath.Base(name)); fileutils.IsFile(path) {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("can't remove model file, %w", err)
		}
		deleted++
	}
	if deleted == 0 {
		return fmt.Errorf("model %s not found", name)
	}
	fmt.Printf("model %s deleted from %d places\n", name, deleted)
	return nil
}

func runServer(ctx context.Context, opts options, st *stores) error {
	classLog, err := makeClassificationLogWriter(opts)
	if err != nil {
		return fmt.Errorf("can't make classification log writer, %w", err)
	}
	defer classLog.Close()

	params := filter.Config{
		SpamSamplesFile: opts.Files.SamplesSpamFile,
		HamSamplesFile:  opts.Files.SamplesHamFile,
		SpamDynamicFile: opts.Files.DynamicSpamFile,
		HamDynamicFile:  opts.Files.DynamicHamFile,
		Smoothing:       opts.Smoothing,
		WatchDelay:      opts.Files.WatchInterval,
		Classifying:     classLog,
	}
	if st.samples != nil {
		params.Samples = st.samples
	}
	sf := filter.NewSpamFilter(ctx, params)

	// samples are the primary source, a saved model is used if samples can't be loaded
	if _, err := sf.ReloadSamples(ctx); err != nil {
		log.Printf("[WARN] can't load samples, %v", err)
		c, name, lerr := loadModel(ctx, opts, st)
		if lerr != nil {
			return fmt.Errorf("no samples and no saved model: %w", errors.Join(err, lerr))
		}
		if err := sf.SetClassifier(c, name); err != nil {
			return err
		}
	}

	authPasswd := opts.HTTP.AuthPasswd
	if authPasswd == "auto" {
		if authPasswd, err = webapi.GenerateRandomPassword(20); err != nil {
			return fmt.Errorf("can't generate random password, %w", err)
		}
		log.Printf("[WARN] generated basic auth password for user nbmail: %q", authPasswd)
	}

	srv := webapi.NewServer(webapi.Config{
		ListenAddr: opts.HTTP.Listen,
		Version:    revision,
		SpamFilter: sf,
		AuthPasswd: authPasswd,
		RateLimit:  opts.HTTP.RateLimit,
		CacheTTL:   opts.HTTP.CacheTTL,
		Dbg:        opts.Dbg,
	})
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("web API server failed, %w", err)
	}
	return nil
}

// loadDataset reads all spam and ham samples from files and the samples storage
func loadDataset(ctx context.Context, opts options, st *stores) (corpus.Dataset, error) {
	c := corpus.New()
	if err := c.LoadFiles(nbayes.Spam, existingFiles(opts.Files.SamplesSpamFile, opts.Files.DynamicSpamFile)...); err != nil {
		return corpus.Dataset{}, fmt.Errorf("can't load spam samples, %w", err)
	}
	if err := c.LoadFiles(nbayes.Ham, existingFiles(opts.Files.SamplesHamFile, opts.Files.DynamicHamFile)...); err != nil {
		return corpus.Dataset{}, fmt.Errorf("can't load ham samples, %w", err)
	}
	if st.samples != nil {
		if err := c.LoadSamples(ctx, st.samples); err != nil {
			return corpus.Dataset{}, err
		}
	}
	ds := c.Dataset()
	if ds.Len() == 0 {
		return corpus.Dataset{}, fmt.Errorf("no samples found")
	}
	return ds, nil
}

// loadModel restores the model from --model file, or the latest model from storages or the models directory
func loadModel(ctx context.Context, opts options, st *stores) (*nbayes.Classifier, string, error) {
	if opts.Classify.Model != "" {
		c, err := loadModelFile(opts.Classify.Model)
		return c, filepath.Base(opts.Classify.Model), err
	}
	for _, ms := range st.models {
		c, name, err := ms.Latest(ctx)
		if err == nil {
			return c, name, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, "", fmt.Errorf("can't load latest model, %w", err)
		}
	}

	files, err := filepath.Glob(filepath.Join(opts.Files.ModelsDir, "nbayes_*.json"))
	if err != nil {
		return nil, "", fmt.Errorf("can't list models in %s, %w", opts.Files.ModelsDir, err)
	}
	if len(files) == 0 {
		return nil, "", fmt.Errorf("no saved models in %s", opts.Files.ModelsDir)
	}
	sort.Strings(files) // names have timestamps, the last one is the latest
	latest := files[len(files)-1]
	c, err := loadModelFile(latest)
	return c, filepath.Base(latest), err
}

func saveModelFile(path string, c *nbayes.Classifier) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("can't make models directory, %w", err)
	}
	fh, err := os.Create(path) //nolint:gosec // path is controlled by the app
	if err != nil {
		return fmt.Errorf("can't create model file, %w", err)
	}
	if err := c.Encode(fh); err != nil {
		_ = fh.Close()
		return fmt.Errorf("can't write model file %s, %w", path, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("can't close model file %s, %w", path, err)
	}
	return nil
}

func loadModelFile(path string) (*nbayes.Classifier, error) {
	if !fileutils.IsFile(path) {
		return nil, fmt.Errorf("model file %s not found", path)
	}
	fh, err := os.Open(path) //nolint:gosec // path is controlled by the app
	if err != nil {
		return nil, fmt.Errorf("can't open model file, %w", err)
	}
	defer fh.Close()
	c, err := nbayes.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("can't load model %s, %w", path, err)
	}
	return c, nil
}

// makeStores connects to configured storages, connection attempts are retried
func makeStores(ctx context.Context, opts options) (*stores, error) {
	res := &stores{}
	rpt := repeater.NewDefault(5, time.Second)

	if opts.Storage.URL != "" {
		var db *engine.SQL
		err := rpt.Do(ctx, func() (e error) {
			db, e = engine.New(ctx, opts.Storage.URL, opts.Storage.GID)
			return e
		})
		if err != nil {
			return nil, fmt.Errorf("can't connect to storage, %w", err)
		}
		res.closers = append(res.closers, db)
		if res.samples, err = storage.NewSamples(ctx, db); err != nil {
			res.close()
			return nil, fmt.Errorf("can't make samples storage, %w", err)
		}
		models, err := storage.NewModels(ctx, db)
		if err != nil {
			res.close()
			return nil, fmt.Errorf("can't make models storage, %w", err)
		}
		res.sqlModels = models
		res.models = append(res.models, models)
		log.Printf("[INFO] storage %s connected, gid=%s", db.Type(), db.GID())
	}

	if opts.Redis.URL != "" {
		var rm *storage.RedisModels
		err := rpt.Do(ctx, func() (e error) {
			rm, e = storage.NewRedisModels(ctx, opts.Redis.URL, opts.Redis.Prefix, opts.Storage.GID)
			return e
		})
		if err != nil {
			res.close()
			return nil, fmt.Errorf("can't connect to redis, %w", err)
		}
		res.closers = append(res.closers, rm)
		res.redisModels = rm
		// redis models are checked first for the latest model
		res.models = append([]modelStore{rm}, res.models...)
		log.Printf("[INFO] redis models storage connected")
	}
	return res, nil
}

func (s *stores) close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			log.Printf("[WARN] can't close storage, %v", err)
		}
	}
}

func existingFiles(mandatory string, optional ...string) []string {
	res := []string{mandatory}
	for _, f := range optional {
		if f != "" && fileutils.IsFile(f) {
			res = append(res, f)
		}
	}
	return res
}

func makeClassificationLogWriter(opts options) (io.WriteCloser, error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}

	sizeParse := func(inp string) (uint64, error) {
		if inp == "" {
			return 0, errors.New("empty value")
		}
		for i, sfx := range []string{"k", "m", "g", "t"} {
			if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
				val, err := strconv.Atoi(inp[:len(inp)-1])
				if err != nil {
					return 0, fmt.Errorf("can't parse %s: %w", inp, err)
				}
				return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
			}
		}
		return strconv.ParseUint(inp, 10, 64)
	}

	maxSize, perr := sizeParse(opts.Logger.MaxSize)
	if perr != nil {
		return nil, fmt.Errorf("can't parse logger MaxSize: %w", perr)
	}
	maxSize /= 1048576

	log.Printf("[INFO] classification log enabled for %s, max size %dM", opts.Logger.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

// urlSecret returns password from the url, empty if there is none
func urlSecret(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.User == nil {
		return ""
	}
	passwd, _ := parsed.User.Password()
	return passwd
}

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	nonEmpty := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" && s != "auto" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) > 0 {
		logOpts = append(logOpts, lgr.Secret(nonEmpty...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
