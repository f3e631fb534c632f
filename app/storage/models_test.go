package storage

import (
	"context"
	"errors"
	"time"

	"github.com/umputun/nbmail/lib/nbayes"
)

func (s *StorageTestSuite) TestModels() {
	ctx := context.Background()
	_, err := NewModels(ctx, nil)
	s.Error(err)

	for name, db := range s.dbs {
		s.Run(name, func() {
			defer db.Exec("DROP TABLE models")
			models, err := NewModels(ctx, db)
			s.Require().NoError(err)

			_, _, err = models.Latest(ctx)
			s.True(errors.Is(err, ErrNotFound))

			first := trainedClassifier(s, []string{"buy now", "hello"}, []nbayes.Label{nbayes.Spam, nbayes.Ham})
			s.Require().NoError(models.Save(ctx, "first", first))
			time.Sleep(10 * time.Millisecond)
			second := trainedClassifier(s, []string{"win prize", "cheap pills", "lunch?"},
				[]nbayes.Label{nbayes.Spam, nbayes.Spam, nbayes.Ham})
			s.Require().NoError(models.Save(ctx, "second", second))

			loaded, err := models.Load(ctx, "first")
			s.Require().NoError(err)
			want, err := first.ClassProbabilities("buy hello")
			s.Require().NoError(err)
			got, err := loaded.ClassProbabilities("buy hello")
			s.Require().NoError(err)
			s.Equal(want, got)

			latest, latestName, err := models.Latest(ctx)
			s.Require().NoError(err)
			s.Equal("second", latestName)
			s.Equal(second.Info(), latest.Info())

			info, err := models.Info(ctx, "second")
			s.Require().NoError(err)
			s.Equal(nbayes.FormatVersion, info.Version)
			s.Equal(2, info.SpamDocs)
			s.Equal(1, info.HamDocs)
			s.Equal(5, info.VocabSize)
			s.WithinDuration(time.Now(), info.CreatedAt, time.Minute)

			list, err := models.List(ctx)
			s.Require().NoError(err)
			s.Require().Len(list, 2)
			s.Equal("second", list[0].Name)
			s.Equal("first", list[1].Name)

			// save under existing name replaces it and makes it the latest
			time.Sleep(10 * time.Millisecond)
			s.Require().NoError(models.Save(ctx, "first", second))
			_, latestName, err = models.Latest(ctx)
			s.Require().NoError(err)
			s.Equal("first", latestName)
			list, err = models.List(ctx)
			s.Require().NoError(err)
			s.Len(list, 2)

			s.Require().NoError(models.Delete(ctx, "first"))
			s.True(errors.Is(models.Delete(ctx, "first"), ErrNotFound))
			_, err = models.Load(ctx, "first")
			s.True(errors.Is(err, ErrNotFound))
			_, err = models.Info(ctx, "first")
			s.True(errors.Is(err, ErrNotFound))

			s.Error(models.Save(ctx, "", second))
		})
	}
}

func (s *StorageTestSuite) TestModels_CorruptData() {
	ctx := context.Background()
	db := s.dbs["sqlite"]
	defer db.Exec("DROP TABLE models")
	models, err := NewModels(ctx, db)
	s.Require().NoError(err)

	_, err = db.Exec(`INSERT INTO models (gid, name, created_at, version, data) VALUES (?, ?, ?, ?, ?)`,
		"gr1", "broken", time.Now().UTC(), 1, []byte("not a model"))
	s.Require().NoError(err)

	_, err = models.Load(ctx, "broken")
	s.True(errors.Is(err, nbayes.ErrCorruptModel))
}

func trainedClassifier(s *StorageTestSuite, texts []string, labels []nbayes.Label) *nbayes.Classifier {
	c, err := nbayes.New(1)
	s.Require().NoError(err)
	s.Require().NoError(c.Fit(texts, labels))
	return c
}
