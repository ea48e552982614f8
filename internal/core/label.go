package core

import (
	"strings"

	"github.com/n1ghtBl00d/801DoorBot/internal/config"
)

const (
	defaultUnlockedMarker = "🔓 OPEN"
	defaultLockedMarker   = "🔒"
)

// renderTitle builds the status chat title from the configured base and the
// state marker. The title is always rendered fresh from these two parts;
// the previously written title is never re-parsed.
func renderTitle(st config.StatusConfig, unlocked bool) string {
	marker := st.LockedMarker
	if unlocked {
		marker = st.UnlockedMarker
		if marker == "" {
			marker = defaultUnlockedMarker
		}
	} else if marker == "" {
		marker = defaultLockedMarker
	}

	base := strings.TrimSpace(st.BaseTitle)
	if base == "" {
		return marker
	}
	return base + " " + marker
}
