package nbayes

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistence_RoundTrip(t *testing.T) {
	original := fitted(t, 0.5,
		[]string{"buy now limited offer click", "cheap pills, buy!", "team meeting project update", "see you at lunch"},
		[]Label{Spam, Spam, Ham, Ham})

	data, err := original.Serialize()
	require.NoError(t, err)

	restored, err := Deserialize(data)
	require.NoError(t, err)
	assert.True(t, restored.Fitted())
	assert.Equal(t, original.Info(), restored.Info())

	queries := []string{"", "limited offer now", "project lunch", "completely unknown", "BUY BUY buy", "meeting?"}
	for _, q := range queries {
		wantP, err := original.ClassProbabilities(q)
		require.NoError(t, err)
		gotP, err := restored.ClassProbabilities(q)
		require.NoError(t, err)
		assert.Equal(t, wantP, gotP, "identical probabilities for %q", q)

		wantL, err := original.Classify(q)
		require.NoError(t, err)
		gotL, err := restored.Classify(q)
		require.NoError(t, err)
		assert.Equal(t, wantL, gotL, q)
	}

	// restored instance is still one-shot
	err = restored.Fit([]string{"x"}, []Label{Ham})
	assert.ErrorIs(t, err, ErrAlreadyFitted)

	// encoding is stable
	again, err := restored.Serialize()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestPersistence_Unfitted(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf))

	restored, err := Decode(&buf)
	require.NoError(t, err)
	assert.False(t, restored.Fitted())
	assert.Equal(t, 2.0, restored.Smoothing())
	_, err = restored.Classify("anything")
	assert.ErrorIs(t, err, ErrNotFitted)

	// unfitted restored instance can be fitted
	require.NoError(t, restored.Fit([]string{"buy now", "hello"}, []Label{Spam, Ham}))
	assert.True(t, restored.Fitted())
}

func TestPersistence_Format(t *testing.T) {
	c := fitted(t, 1, []string{"buy now", "hello"}, []Label{Spam, Ham})
	data, err := c.Serialize()
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.EqualValues(t, FormatVersion, rec["version"])
	assert.Equal(t, true, rec["fitted"])
	assert.EqualValues(t, 1, rec["smoothing"])
	assert.EqualValues(t, 3, rec["vocab_size"])
	assert.EqualValues(t, 0.5, rec["p_spam"])
	spam, ok := rec["spam"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, spam["docs"])
	assert.EqualValues(t, 2, spam["total_words"])
	assert.Equal(t, map[string]any{"buy": 1.0, "now": 1.0}, spam["counts"])
}

func TestPersistence_DecodeErrors(t *testing.T) {
	valid := `{"version":1,"smoothing":1,"fitted":true,"p_spam":0.5,"p_ham":0.5,"vocab_size":3,` +
		`"spam":{"docs":1,"total_words":2,"counts":{"buy":1,"now":1}},` +
		`"ham":{"docs":1,"total_words":1,"counts":{"hello":1}}}`

	c, err := Deserialize([]byte(valid))
	require.NoError(t, err, "baseline record is valid")
	l, err := c.Classify("buy now")
	require.NoError(t, err)
	assert.Equal(t, Spam, l)

	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{name: "garbage", data: "not json", wantErr: ErrCorruptModel},
		{name: "unknown field", data: `{"version":1,"smoothing":1,"extra":1}`, wantErr: ErrCorruptModel},
		{name: "version", data: strings.Replace(valid, `"version":1`, `"version":7`, 1), wantErr: ErrUnsupportedVersion},
		{name: "smoothing", data: strings.Replace(valid, `"smoothing":1`, `"smoothing":0`, 1), wantErr: ErrCorruptModel},
		{name: "negative count", data: strings.Replace(valid, `"hello":1`, `"hello":-1`, 1), wantErr: ErrCorruptModel},
		{name: "total mismatch", data: strings.Replace(valid, `"total_words":2`, `"total_words":5`, 1), wantErr: ErrCorruptModel},
		{name: "vocab mismatch", data: strings.Replace(valid, `"vocab_size":3`, `"vocab_size":4`, 1), wantErr: ErrCorruptModel},
		{name: "priors mismatch", data: strings.Replace(valid, `"p_spam":0.5`, `"p_spam":0.7`, 1), wantErr: ErrCorruptModel},
		{name: "negative docs", data: strings.Replace(valid, `"docs":1`, `"docs":-1`, 1), wantErr: ErrCorruptModel},
		{name: "unfitted with stats", data: strings.Replace(valid, `"fitted":true`, `"fitted":false`, 1), wantErr: ErrCorruptModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Deserialize([]byte(tt.data))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("trailing data", func(t *testing.T) {
		data, err := c.Serialize()
		require.NoError(t, err)
		for _, tail := range []string{"garbage", "{}", `{"version":1}`, "]"} {
			_, err = Deserialize(append(append([]byte{}, data...), tail...))
			assert.ErrorIs(t, err, ErrCorruptModel, "tail %q", tail)
		}
		_, err = Deserialize(append(append([]byte{}, data...), " \n\n"...))
		assert.NoError(t, err, "trailing whitespace is fine")
	})
}
