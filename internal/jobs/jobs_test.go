package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandlers() Handlers {
	h := Handlers{}
	for _, n := range Names() {
		h[n] = HandlerFunc(func(context.Context, Run, Args) error { return nil })
	}
	return h
}

func TestCatalogueLoads(t *testing.T) {
	t.Parallel()
	reg, err := NewRegistry(Catalogue(), noopHandlers(), nil)
	require.NoError(t, err)
	require.Len(t, reg.List(), len(Names()))

	e, ok := reg.Get(GenerateNewsSummaries)
	require.True(t, ok)
	assert.Equal(t, "5", e.Spec.Args["limit"])
	assert.Equal(t, 6*time.Minute, e.Schedule.Expr().Every)
	assert.Equal(t, DefaultTimeout, reg.MaxTimeout())
}

func TestRegistryRejectsInvalidSpecs(t *testing.T) {
	t.Parallel()
	good, _ := CatalogueSpec(CollectArticles)

	tests := []struct {
		name   string
		mutate func(specs []Spec) []Spec
		field  string
	}{
		{"duplicate name", func(s []Spec) []Spec { return append(s, s[0]) }, "name"},
		{"unknown name", func(s []Spec) []Spec { s[0].Name = "mine-bitcoin"; return s }, "name"},
		{"bad cadence", func(s []Spec) []Spec { s[0].Cadence = "sometimes"; return s }, "cadence"},
		{"zero interval", func(s []Spec) []Spec { s[0].Cadence = "0s"; return s }, "cadence"},
		{"zero backoff", func(s []Spec) []Spec { s[0].BackoffBase = 0; return s }, "backoff_base"},
		{"cap below base", func(s []Spec) []Spec { s[0].BackoffCap = time.Millisecond; return s }, "backoff_cap"},
		{"zero timeout", func(s []Spec) []Spec { s[0].Timeout = 0; return s }, "timeout"},
		{"negative retries", func(s []Spec) []Spec { s[0].MaxRetries = -1; return s }, "max_retries"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			specs := tt.mutate([]Spec{good})
			_, err := NewRegistry(specs, noopHandlers(), nil)
			require.Error(t, err)
			var ce *ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestRegistryRequiresHandler(t *testing.T) {
	t.Parallel()
	h := noopHandlers()
	delete(h, PopulateSentiment)
	_, err := NewRegistry(Catalogue(), h, nil)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "populate-sentiment-score")
}

func TestRegistryReportsAllProblems(t *testing.T) {
	t.Parallel()
	s, _ := CatalogueSpec(CollectPriceData)
	s.Timeout = 0
	s.BackoffBase = 0
	_, err := NewRegistry([]Spec{s}, noopHandlers(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "backoff_base")
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()
	reg, err := NewRegistry(nil, nil, nil)
	require.NoError(t, err)
	_, _, err = reg.Resolve(CollectArticles)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestBackoffSequence(t *testing.T) {
	t.Parallel()
	base, capD := time.Second, 10*time.Second
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	var prev time.Duration
	for attempt, w := range want {
		got := Backoff(base, capD, attempt)
		assert.Equal(t, w, got, "attempt %d", attempt)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
	// Large attempts must not overflow.
	assert.Equal(t, capD, Backoff(base, capD, 500))
	assert.Equal(t, time.Duration(0), Backoff(0, capD, 1))
}

func TestRetryDelayHonoursHintWithinCap(t *testing.T) {
	t.Parallel()
	s := Spec{BackoffBase: time.Second, BackoffCap: 30 * time.Second}
	assert.Equal(t, 2*time.Second, RetryDelay(s, 1, errors.New("x")))
	assert.Equal(t, 20*time.Second, RetryDelay(s, 1, RetryAfter(errors.New("429"), 20*time.Second)))
	assert.Equal(t, 30*time.Second, RetryDelay(s, 1, RetryAfter(errors.New("429"), time.Hour)))
	assert.Equal(t, 4*time.Second, RetryDelay(s, 2, RetryAfter(errors.New("429"), time.Second)))
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")

	perm := fmt.Errorf("handler: %w", Permanent(base))
	assert.True(t, IsPermanent(perm))
	assert.False(t, IsTransient(perm))
	assert.ErrorIs(t, perm, base)

	assert.True(t, IsTransient(base), "unclassified errors are transient")
	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsTransient(nil))

	hint, ok := RetryAfterHint(fmt.Errorf("wrap: %w", RetryAfter(base, 3*time.Second)))
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, hint)
	_, ok = RetryAfterHint(Transient(base))
	assert.False(t, ok)

	assert.Nil(t, Permanent(nil))
	assert.Nil(t, Transient(nil))
}

func TestArgs(t *testing.T) {
	t.Parallel()
	a := Args{"limit": "5", "bad": "zero", "model": " finbert "}
	n, err := a.Int("limit", 1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = a.Int("missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	_, err = a.Int("bad", 1)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, "finbert", a.String("model", "x"))
	assert.Equal(t, []string{"bad", "limit", "model"}, a.Keys())
}

func TestParseName(t *testing.T) {
	t.Parallel()
	n, err := ParseName(" collect-price-data ")
	require.NoError(t, err)
	assert.Equal(t, CollectPriceData, n)
	_, err = ParseName("nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}
