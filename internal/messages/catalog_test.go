package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedCatalogLoads(t *testing.T) {
	t.Parallel()
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "he", c.DefaultLocale)
	assert.Equal(t, []string{"en", "he"}, c.Supported())
}

func TestHeartbeatLostMessage(t *testing.T) {
	t.Parallel()
	c := MustLoad()

	he := c.HeartbeatLost("he", "נועה", 70)
	assert.Contains(t, he, "נועה")
	assert.Contains(t, he, "70 דקות")

	en := c.HeartbeatLost("en", "Noa", 180)
	assert.Equal(t, "Noa's device has not checked in for 3 hours. It may be switched off, out of battery or disconnected.", en)
}

func TestElapsedBands(t *testing.T) {
	t.Parallel()
	c := MustLoad()
	tests := []struct {
		minutes int
		want    string
	}{
		{60, "60 minutes"},
		{119, "119 minutes"},
		{120, "2 hours"},
		{47 * 60, "47 hours"},
		{3 * 24 * 60, "3 days"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Elapsed("en", tt.minutes))
	}
}

func TestRenderFallbacks(t *testing.T) {
	t.Parallel()
	c := MustLoad()
	assert.Equal(t, c.Render("he", HeartbeatLostSender, nil), c.Render("fr", HeartbeatLostSender, nil))
	assert.Equal(t, "no.such.key", c.Render("en", "no.such.key", nil))
}

func TestParseRejectsMissingDefault(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte("default_locale: fr\nlocales:\n  en: {a: b}\n"))
	assert.Error(t, err)
}
