package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// SubscriptionStore persists the ad-hoc subscription map as a whole snapshot.
type SubscriptionStore interface {
	LoadSubscriptions(ctx context.Context) (map[string][]string, error)
	SaveSubscriptions(ctx context.Context, subs map[string][]string) error
}

// Registry is the durable source -> channels mapping for ad-hoc sources.
//
// Every mutation is read-modify-persist under one mutex, so two racing
// subscribes for the same source never lose an update. The primary source is
// not part of the map.
type Registry struct {
	mu      sync.Mutex
	primary string
	store   SubscriptionStore
	subs    map[string]map[string]struct{}
}

func NewRegistry(primary string, store SubscriptionStore) *Registry {
	return &Registry{primary: primary, store: store, subs: map[string]map[string]struct{}{}}
}

// Load replaces the in-memory map with the persisted snapshot.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	m, err := r.store.LoadSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	subs := make(map[string]map[string]struct{}, len(m))
	for src, chans := range m {
		src = strings.TrimSpace(src)
		if src == "" || src == r.primary {
			continue
		}
		set := map[string]struct{}{}
		for _, ch := range chans {
			if ch = strings.TrimSpace(ch); ch != "" {
				set[ch] = struct{}{}
			}
		}
		if len(set) > 0 {
			subs[src] = set
		}
	}
	r.mu.Lock()
	r.subs = subs
	r.mu.Unlock()
	return nil
}

// Subscribe adds channel to source. It reports changed=false, without writing,
// when the pair already exists. On a persistence failure the in-memory change
// is rolled back and the error wraps ErrPersist.
func (r *Registry) Subscribe(ctx context.Context, source, channel string) (changed bool, err error) {
	if source == r.primary {
		return false, ErrPrimarySource
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.subs[source]
	if _, ok := set[channel]; ok {
		return false, nil
	}
	created := set == nil
	if created {
		set = map[string]struct{}{}
		r.subs[source] = set
	}
	set[channel] = struct{}{}

	if err := r.persistLocked(ctx); err != nil {
		delete(set, channel)
		if created {
			delete(r.subs, source)
		}
		return false, err
	}
	return true, nil
}

// Unsubscribe removes channel from source. nowEmpty is true when the source
// lost its last channel; the caller must then stop the source's poller.
func (r *Registry) Unsubscribe(ctx context.Context, source, channel string) (changed, nowEmpty bool, err error) {
	if source == r.primary {
		return false, false, ErrPrimarySource
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.subs[source]
	if _, ok := set[channel]; !ok {
		return false, false, nil
	}
	delete(set, channel)
	if len(set) == 0 {
		delete(r.subs, source)
	}

	if err := r.persistLocked(ctx); err != nil {
		set[channel] = struct{}{}
		r.subs[source] = set
		return false, false, err
	}
	return true, len(set) == 0, nil
}

func (r *Registry) persistLocked(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveSubscriptions(ctx, r.snapshotLocked()); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func (r *Registry) snapshotLocked() map[string][]string {
	out := make(map[string][]string, len(r.subs))
	for src, set := range r.subs {
		chans := lo.Keys(set)
		sort.Strings(chans)
		out[src] = chans
	}
	return out
}

// Channels returns the channels currently subscribed to source.
func (r *Registry) Channels(source string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	chans := lo.Keys(r.subs[source])
	sort.Strings(chans)
	return chans
}

// Sources returns every source with at least one channel.
func (r *Registry) Sources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	srcs := lo.Keys(r.subs)
	sort.Strings(srcs)
	return srcs
}

// ChannelSources returns the sources channel is subscribed to.
func (r *Registry) ChannelSources(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for src, set := range r.subs {
		if _, ok := set[channel]; ok {
			out = append(out, src)
		}
	}
	sort.Strings(out)
	return out
}
