package post

import (
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// TagPrefixRunes is how much of a body's beginning is searched for a tag.
const TagPrefixRunes = 50

// Store is the per-source set of known posts with a derived newest-first index.
//
// It knows nothing about fetching or subscriptions. All methods are safe for
// concurrent use; readers never observe a partially applied Ingest.
type Store struct {
	mu      sync.RWMutex
	items   map[string]Item
	ordered []string // numeric descending
}

func NewStore() *Store {
	return &Store{items: map[string]Item{}}
}

// Ingest inserts every item whose id is not yet known and returns the new ids
// in the order the items were presented. Items with invalid or duplicate ids
// are skipped, so re-ingesting the same list reports nothing.
func (s *Store) Ingest(items []Item) []string {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for _, it := range items {
		if !ValidID(it.ID) {
			continue
		}
		if _, ok := s.items[it.ID]; ok {
			continue
		}
		it.MediaRefs = append([]string(nil), it.MediaRefs...)
		s.items[it.ID] = it
		added = append(added, it.ID)
	}
	if len(added) > 0 {
		s.reindexLocked()
	}
	return added
}

// Load replaces the store content with a persisted snapshot.
func (s *Store) Load(items map[string]Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]Item, len(items))
	for id, it := range items {
		if it.ID == "" {
			it.ID = id
		}
		if !ValidID(it.ID) {
			continue
		}
		s.items[it.ID] = it
	}
	s.reindexLocked()
}

func (s *Store) reindexLocked() {
	ids := lo.Keys(s.items)
	sort.Slice(ids, func(i, j int) bool { return CompareIDs(ids[i], ids[j]) > 0 })
	s.ordered = ids
}

// OrderedIDs returns all ids, newest (numerically largest) first.
func (s *Store) OrderedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.ordered...)
}

func (s *Store) Get(id string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	return it, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// IDs returns the set of known ids.
func (s *Store) IDs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.items))
	for id := range s.items {
		out[id] = struct{}{}
	}
	return out
}

// Snapshot returns a copy of all items keyed by id.
func (s *Store) Snapshot() map[string]Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Item, len(s.items))
	for id, it := range s.items {
		out[id] = it
	}
	return out
}

// TagIndex maps each tag to the newest post whose body starts (within the
// first TagPrefixRunes runes) with text containing the tag. Tags without a
// match are absent from the result.
func (s *Store) TagIndex(tags []string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(tags))
	pending := lo.Uniq(lo.Filter(tags, func(t string, _ int) bool { return t != "" }))
	for _, id := range s.ordered {
		if len(pending) == 0 {
			break
		}
		head := prefixRunes(s.items[id].Body, TagPrefixRunes)
		rest := pending[:0]
		for _, tag := range pending {
			if strings.Contains(head, tag) {
				out[tag] = id
				continue
			}
			rest = append(rest, tag)
		}
		pending = rest
	}
	return out
}

func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
