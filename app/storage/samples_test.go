package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/umputun/nbmail/lib/nbayes"
)

func (s *StorageTestSuite) TestNewSamples() {
	_, err := NewSamples(context.Background(), nil)
	s.Error(err)

	for name, db := range s.dbs {
		s.Run(name, func() {
			res, err := NewSamples(context.Background(), db)
			s.Require().NoError(err)
			s.NotNil(res)

			// second init on existing table is fine
			_, err = NewSamples(context.Background(), db)
			s.NoError(err)
		})
	}
}

func (s *StorageTestSuite) TestSamples_AddReadDelete() {
	ctx := context.Background()
	for name, db := range s.dbs {
		s.Run(name, func() {
			defer db.Exec("DROP TABLE samples")
			samples, err := NewSamples(ctx, db)
			s.Require().NoError(err)

			s.Require().NoError(samples.Add(ctx, nbayes.Spam, SampleOriginPreset, "buy cheap pills"))
			s.Require().NoError(samples.Add(ctx, nbayes.Ham, SampleOriginPreset, "meeting at noon"))
			s.Require().NoError(samples.Add(ctx, nbayes.Spam, SampleOriginUser, "win a prize now"))

			res, err := samples.Read(ctx, nbayes.Spam, SampleOriginAny)
			s.Require().NoError(err)
			s.Require().Len(res, 2)
			s.Equal("buy cheap pills", res[0].Message)
			s.Equal(nbayes.Spam, res[0].Label)
			s.Equal(SampleOriginPreset, res[0].Origin)
			s.Equal("win a prize now", res[1].Message)

			res, err = samples.Read(ctx, "", SampleOriginPreset)
			s.Require().NoError(err)
			s.Len(res, 2)

			res, err = samples.Read(ctx, "", SampleOriginAny)
			s.Require().NoError(err)
			s.Len(res, 3)

			// same message re-labeled replaces the old one
			s.Require().NoError(samples.Add(ctx, nbayes.Ham, SampleOriginUser, "win a prize now"))
			stats, err := samples.Stats(ctx)
			s.Require().NoError(err)
			s.Equal(1, stats.TotalSpam)
			s.Equal(2, stats.TotalHam)
			s.Equal(1, stats.UserHam)

			res, err = samples.Read(ctx, nbayes.Ham, SampleOriginUser)
			s.Require().NoError(err)
			s.Require().Len(res, 1)
			s.Require().NoError(samples.Delete(ctx, res[0].ID))
			err = samples.Delete(ctx, res[0].ID)
			s.True(errors.Is(err, ErrNotFound))
		})
	}
}

func (s *StorageTestSuite) TestSamples_AddErrors() {
	ctx := context.Background()
	for name, db := range s.dbs {
		s.Run(name, func() {
			defer db.Exec("DROP TABLE samples")
			samples, err := NewSamples(ctx, db)
			s.Require().NoError(err)

			s.Error(samples.Add(ctx, "eggs", SampleOriginUser, "msg"))
			s.Error(samples.Add(ctx, nbayes.Spam, "bad", "msg"))
			s.Error(samples.Add(ctx, nbayes.Spam, SampleOriginAny, "msg"))
			s.Error(samples.Add(ctx, nbayes.Spam, SampleOriginUser, ""))

			_, err = samples.Read(ctx, "eggs", SampleOriginAny)
			s.Error(err)
			_, err = samples.Read(ctx, nbayes.Ham, "bad")
			s.Error(err)
		})
	}
}

func (s *StorageTestSuite) TestSamples_Import() {
	ctx := context.Background()
	for name, db := range s.dbs {
		s.Run(name, func() {
			defer db.Exec("DROP TABLE samples")
			samples, err := NewSamples(ctx, db)
			s.Require().NoError(err)

			stats, err := samples.Import(ctx, nbayes.Spam, SampleOriginPreset,
				strings.NewReader("spam one\n\nspam two\nspam three\n"), false)
			s.Require().NoError(err)
			s.Equal(3, stats.TotalSpam)
			s.Equal(3, stats.PresetSpam)

			stats, err = samples.Import(ctx, nbayes.Ham, SampleOriginPreset, strings.NewReader("ham one\nham two"), false)
			s.Require().NoError(err)
			s.Equal(3, stats.TotalSpam)
			s.Equal(2, stats.TotalHam)

			// cleanup replaces preset spam only
			s.Require().NoError(samples.Add(ctx, nbayes.Spam, SampleOriginUser, "user spam"))
			stats, err = samples.Import(ctx, nbayes.Spam, SampleOriginPreset, strings.NewReader("new spam"), true)
			s.Require().NoError(err)
			s.Equal(2, stats.TotalSpam)
			s.Equal(1, stats.PresetSpam)
			s.Equal(1, stats.UserSpam)
			s.Equal(2, stats.TotalHam)
			s.Equal("spam: 2, ham: 2, preset spam: 1, preset ham: 2, user spam: 1, user ham: 0", stats.String())

			_, err = samples.Import(ctx, nbayes.Spam, SampleOriginAny, strings.NewReader("x"), false)
			s.Error(err)
			_, err = samples.Import(ctx, nbayes.Spam, SampleOriginUser, nil, false)
			s.Error(err)
			_, err = samples.Import(ctx, "eggs", SampleOriginUser, strings.NewReader("x"), false)
			s.Error(err)
		})
	}
}
