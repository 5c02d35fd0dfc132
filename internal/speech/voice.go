// Package speech reads the transcript aloud through a pluggable synthesis
// engine, picking the voice that best fits the target locale.
package speech

import (
	"context"
	"regexp"
	"strings"
	"sync/atomic"
)

// Voice is one synthesis voice offered by the engine.
type Voice struct {
	Name    string `json:"name"`
	Lang    string `json:"lang"`
	Default bool   `json:"default,omitempty"`
}

// DefaultPreferences lists locale tags from most to least preferred.
var DefaultPreferences = []string{"fil-PH", "tl-PH", "en-PH", "en-US", "en-GB"}

// DefaultLooseMatch catches voices for related languages whose tags do not
// match a preference exactly.
var DefaultLooseMatch = regexp.MustCompile(`(?i)(fil|tl|tagalog|filipino|en[-_]?ph)`)

// SelectVoice picks a voice from catalog. Preferences are tried in order
// against each voice's lang as a case-insensitive prefix; then the loose
// pattern against lang or name; then the first voice. ok is false only for
// an empty catalog.
func SelectVoice(catalog []Voice, prefs []string, loose *regexp.Regexp) (Voice, bool) {
	if len(catalog) == 0 {
		return Voice{}, false
	}
	for _, pref := range prefs {
		p := strings.ToLower(normalizeTag(pref))
		if p == "" {
			continue
		}
		for _, v := range catalog {
			if strings.HasPrefix(strings.ToLower(normalizeTag(v.Lang)), p) {
				return v, true
			}
		}
	}
	if loose != nil {
		for _, v := range catalog {
			if loose.MatchString(v.Lang) || loose.MatchString(v.Name) {
				return v, true
			}
		}
	}
	return catalog[0], true
}

// normalizeTag accepts both "en_US" and "en-US" spellings.
func normalizeTag(tag string) string {
	return strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
}

// Catalog holds the latest voice list reported by the engine. The list is
// replaced wholesale on refresh, so readers always see a consistent
// snapshot.
type Catalog struct {
	voices atomic.Pointer[[]Voice]
}

func NewCatalog(initial []Voice) *Catalog {
	c := &Catalog{}
	c.Set(initial)
	return c
}

func (c *Catalog) Set(voices []Voice) {
	snapshot := append([]Voice(nil), voices...)
	c.voices.Store(&snapshot)
}

func (c *Catalog) Snapshot() []Voice {
	if p := c.voices.Load(); p != nil {
		return *p
	}
	return nil
}

// Refresh replaces the snapshot with the engine's current list. An empty or
// failed listing keeps the previous snapshot.
func (c *Catalog) Refresh(ctx context.Context, engine Engine) error {
	voices, err := engine.Voices(ctx)
	if err != nil {
		return err
	}
	if len(voices) > 0 {
		c.Set(voices)
	}
	return nil
}
