package vision

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electrohub/panelscan/internal/model"
	"github.com/electrohub/panelscan/internal/resilience"
)

// stubExtractor returns a canned observation or error and counts calls.
type stubExtractor struct {
	name  string
	obs   *Observation
	err   error
	calls int
}

func (s *stubExtractor) Name() string { return s.name }

func (s *stubExtractor) Extract(context.Context, []model.Photo) (*Observation, error) {
	s.calls++
	return s.obs, s.err
}

func quotaErr(provider string) error {
	return &ProviderError{
		Provider: provider,
		Err:      resilience.NewTransientError(eris.New("too many requests"), 429),
	}
}

func TestFallback_FirstProviderWins(t *testing.T) {
	primary := &stubExtractor{name: "a", obs: &Observation{PanelDescription: "primary"}}
	secondary := &stubExtractor{name: "b", obs: &Observation{PanelDescription: "secondary"}}

	obs, err := NewFallback(primary, secondary).Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", obs.PanelDescription)
	assert.Zero(t, secondary.calls)
}

func TestFallback_SwitchesOnQuotaError(t *testing.T) {
	primary := &stubExtractor{name: "a", err: quotaErr("a")}
	secondary := &stubExtractor{name: "b", obs: &Observation{PanelDescription: "secondary"}}

	obs, err := NewFallback(primary, secondary).Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "secondary", obs.PanelDescription)
	assert.Equal(t, 1, primary.calls)
}

func TestFallback_NonQuotaErrorIsFatal(t *testing.T) {
	parseFailure := &ProviderError{Provider: "a", Err: eris.New("unparseable response")}
	primary := &stubExtractor{name: "a", err: parseFailure}
	secondary := &stubExtractor{name: "b", obs: &Observation{}}

	_, err := NewFallback(primary, secondary).Extract(context.Background(), nil)
	require.Error(t, err)
	assert.Zero(t, secondary.calls, "bad answer from one provider must not trigger the next")

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "a", pe.Provider)
}

func TestFallback_AllProvidersOverQuota(t *testing.T) {
	primary := &stubExtractor{name: "a", err: quotaErr("a")}
	secondary := &stubExtractor{name: "b", err: quotaErr("b")}

	_, err := NewFallback(primary, secondary).Extract(context.Background(), nil)
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "b", pe.Provider, "last provider's error surfaces")
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestFallback_NoProviders(t *testing.T) {
	_, err := NewFallback().Extract(context.Background(), nil)
	assert.Error(t, err)
}
