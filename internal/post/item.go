package post

import (
	"errors"
	"strings"
)

// ErrAlreadyResolved is returned when a long-text body is resolved twice.
var ErrAlreadyResolved = errors.New("post: long text already resolved")

// Item is one published post of a source.
//
// Items are immutable once ingested. The only allowed change is the long-text
// resolution that replaces a truncated preview body, and it must happen before
// the item is handed to Store.Ingest.
type Item struct {
	ID        string   `json:"id"`
	Body      string   `json:"text"`
	MediaRefs []string `json:"imageUrls,omitempty"`

	// Truncated is true while Body is the upstream's shortened preview.
	Truncated bool `json:"-"`
}

// ResolveLongText replaces a truncated preview body with the full text.
func (it *Item) ResolveLongText(full string) error {
	if !it.Truncated {
		return ErrAlreadyResolved
	}
	if strings.TrimSpace(full) != "" {
		it.Body = full
	}
	it.Truncated = false
	return nil
}

// ValidID reports whether id is a non-empty string of ASCII digits.
//
// Ordering and de-duplication assume ids are integers encoded as strings and
// that newer posts carry larger ids.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

// CompareIDs compares two numeric ids by value. Ids may exceed 64 bits.
// It returns -1, 0 or +1.
func CompareIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}
