// Package names resolves participant ids to display and legacy names, with
// batched capability lookups, TTL expiry and a warm-start cache file.
package names

import (
	"strconv"
	"strings"
	"time"
)

// Name is one cached identity record. A temporary record is a placeholder
// synthesized under error conditions; it is never written to the cache file.
type Name struct {
	// Legacy account name, lowercase "first.last" convention.
	Username string
	// Display name, arbitrary Unicode. May equal the legacy name.
	DisplayName string
	LegacyFirst string
	LegacyLast  string
	// The display name is just a restyled username, so show only one form.
	IsDefault   bool
	IsTemporary bool
	Expires     time.Time
	// Earliest time the server will accept a display-name change; name
	// updates are rate limited server side.
	NextUpdate time.Time
}

const defaultLegacyLast = "Resident"

// placeholderDisplayName is shown while a lookup is outstanding or failed.
const placeholderDisplayName = "(waiting)"

// CompleteName renders "Display Name (username)", collapsing to just the
// display name when the two carry the same information.
func (n Name) CompleteName() string {
	if n.Username == "" || n.IsDefault {
		return n.DisplayName
	}
	return n.DisplayName + " (" + n.Username + ")"
}

// LegacyName renders the fixed "First Last" form.
func (n Name) LegacyName() string {
	if n.LegacyLast == "" {
		return n.LegacyFirst
	}
	return n.LegacyFirst + " " + n.LegacyLast
}

// Names renders "Display Name [First Last]" when the two differ, so a
// restyled display name can never fully impersonate another account.
func (n Name) Names() string {
	legacy := n.LegacyName()
	if n.IsTemporary || n.Username == "" || legacy == n.DisplayName {
		return legacy
	}
	return n.DisplayName + " [" + legacy + "]"
}

func (n Name) expired(now time.Time) bool {
	return !n.Expires.After(now)
}

// buildPlaceholder makes a short-lived default record from whatever full name
// is known, possibly none. Kept in cache so the same id is not re-requested
// in a tight loop; superseded transparently by a later successful lookup.
func buildPlaceholder(fullName string, now time.Time) Name {
	n := Name{
		DisplayName: fullName,
		IsDefault:   true,
		IsTemporary: true,
		Expires:     now.Add(tempEntryLifetime),
	}
	if fullName == "" {
		n.DisplayName = placeholderDisplayName
		n.LegacyFirst = placeholderDisplayName
		n.LegacyLast = defaultLegacyLast
		return n
	}
	if first, last, ok := strings.Cut(fullName, " "); ok {
		n.LegacyFirst, n.LegacyLast = first, last
	} else {
		n.LegacyFirst, n.LegacyLast = fullName, defaultLegacyLast
	}
	return n
}

// MaxAgeFromCacheControl extracts the max-age delta from a Cache-Control
// header. Returns false when the header carries no parseable max-age.
func MaxAgeFromCacheControl(header string) (time.Duration, bool) {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)
		if !strings.HasPrefix(directive, "max-age") {
			continue
		}
		key, value, ok := strings.Cut(directive, "=")
		if !ok || strings.TrimSpace(key) != "max-age" {
			return 0, false
		}
		secs, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
