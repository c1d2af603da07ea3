package engine

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"weibobot/internal/post"
)

// Kind is fixed when a source is constructed and selects its polling policy.
type Kind int

const (
	KindPrimary Kind = iota
	KindAdhoc
)

func (k Kind) String() string {
	if k == KindPrimary {
		return "primary"
	}
	return "adhoc"
}

type policy struct {
	kind     Kind
	interval time.Duration
	jitter   time.Duration
	persist  bool
	tagIndex bool
}

func primaryPolicy(cfg Config) policy {
	return policy{kind: KindPrimary, interval: cfg.PrimaryInterval, persist: true, tagIndex: true}
}

func adhocPolicy(cfg Config) policy {
	return policy{kind: KindAdhoc, interval: cfg.AdhocInterval, jitter: cfg.AdhocJitter}
}

// sourceState is everything the engine tracks for one polled source.
type sourceState struct {
	id     string
	policy policy
	store  *post.Store

	// set under Engine.mu
	entry    cron.EntryID
	interval time.Duration

	stopped atomic.Bool
	ticks   atomic.Uint64

	// primed is only touched from ticks, which never overlap for one source.
	primed bool

	tagMu sync.RWMutex
	tags  map[string]string
}

func newSourceState(id string, p policy) *sourceState {
	return &sourceState{id: id, policy: p, store: post.NewStore()}
}

func (s *sourceState) setTags(m map[string]string) {
	s.tagMu.Lock()
	s.tags = m
	s.tagMu.Unlock()
}

func (s *sourceState) tag(name string) (string, bool) {
	s.tagMu.RLock()
	defer s.tagMu.RUnlock()
	id, ok := s.tags[name]
	return id, ok
}

// constantDelay fires every d after the previous activation. Unlike
// cron.Every it keeps sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// effectiveInterval applies the policy's jitter once, in [0, jitter).
func effectiveInterval(p policy) time.Duration {
	if p.jitter <= 0 {
		return p.interval
	}
	return p.interval + time.Duration(rand.Int64N(int64(p.jitter)))
}
