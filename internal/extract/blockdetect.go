package extract

import (
	"fmt"
	"strings"

	"github.com/insightops/fleetharvest/internal/fleet"
)

// blockMarkers are fragments that identify anti-bot interstitials rather
// than real portal pages.
var blockMarkers = []string{
	"captcha",
	"access denied",
	"unusual traffic",
	"verify you are human",
	"request blocked",
}

// minPageLength is the document size below which a page is treated as a stub
// served to suspected bots.
const minPageLength = 256

// BlockDetector spots pages served by anti-bot defenses instead of the
// portal. A hit marks the session broken: the attempt is retryable, but only
// on a fresh session, so the pool replaces the current one first.
type BlockDetector struct {
	// MinLength overrides the stub-page size threshold when positive.
	MinLength int
}

// Check inspects a rendered page and returns a session-broken error when it
// looks like an anti-bot response. Markers match against the visible body
// text; the stub check measures the whole document.
func (d BlockDetector) Check(body, html string) error {
	lower := strings.ToLower(body)
	for _, marker := range blockMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("portal served anti-bot page (%q): %w", marker, fleet.ErrSessionBroken)
		}
	}
	minLen := d.MinLength
	if minLen <= 0 {
		minLen = minPageLength
	}
	if len(strings.TrimSpace(html)) < minLen {
		return fmt.Errorf("portal served stub page (%d bytes): %w", len(html), fleet.ErrSessionBroken)
	}
	return nil
}
