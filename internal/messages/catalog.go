// Package messages holds the localized strings shown to parents. The catalog
// is embedded YAML; Hebrew is the default locale.
package messages

import (
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v3"
)

//go:embed messages.yaml
var catalogYAML []byte

// Message keys.
const (
	HeartbeatLostTitle   = "heartbeat_lost.title"
	HeartbeatLostMessage = "heartbeat_lost.message"
	HeartbeatLostSender  = "heartbeat_lost.sender"
	AlertRiskTitle       = "alert.risk.title"
	AlertRiskBody        = "alert.risk.body"
	SubscriptionExpired  = "subscription.expired"
)

// Catalog maps locale → key → template.
type Catalog struct {
	DefaultLocale string                       `yaml:"default_locale"`
	Locales       map[string]map[string]string `yaml:"locales"`
}

// Load parses the embedded catalog.
func Load() (*Catalog, error) {
	return Parse(catalogYAML)
}

// MustLoad is Load for package-level wiring; the embedded file is fixed at
// build time so a failure is a programming error.
func MustLoad() *Catalog {
	c, err := Load()
	if err != nil {
		panic(err)
	}
	return c
}

// Parse reads a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing message catalog: %w", err)
	}
	if c.DefaultLocale == "" {
		return nil, fmt.Errorf("message catalog has no default_locale")
	}
	if _, ok := c.Locales[c.DefaultLocale]; !ok {
		return nil, fmt.Errorf("message catalog lacks default locale %q", c.DefaultLocale)
	}
	return &c, nil
}

// Supported lists the catalog's locales.
func (c *Catalog) Supported() []string {
	out := make([]string, 0, len(c.Locales))
	for l := range c.Locales {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Render fills the template for key in locale, falling back to the default
// locale and finally to the key itself.
func (c *Catalog) Render(locale, key string, vars map[string]string) string {
	tmpl, ok := c.Locales[locale][key]
	if !ok {
		tmpl, ok = c.Locales[c.DefaultLocale][key]
	}
	if !ok {
		return key
	}
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Elapsed renders a duration given in minutes as minutes, hours or days.
func (c *Catalog) Elapsed(locale string, minutes int) string {
	switch {
	case minutes >= 48*60:
		return c.Render(locale, "elapsed.days", map[string]string{"n": strconv.Itoa(minutes / (24 * 60))})
	case minutes >= 120:
		return c.Render(locale, "elapsed.hours", map[string]string{"n": strconv.Itoa(minutes / 60)})
	default:
		return c.Render(locale, "elapsed.minutes", map[string]string{"n": strconv.Itoa(minutes)})
	}
}

// HeartbeatLost renders the disconnection alert body for a child.
func (c *Catalog) HeartbeatLost(locale, childName string, minutes int) string {
	return c.Render(locale, HeartbeatLostMessage, map[string]string{
		"child":   childName,
		"elapsed": c.Elapsed(locale, minutes),
	})
}
