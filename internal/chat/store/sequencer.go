package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const seqShards = 64

// sequencer hands out createdAt values that strictly increase per conversation
// and serializes writers of the same conversation while they hold a shard.
type sequencer struct {
	shards [seqShards]*seqShard
	now    func() time.Time
	// seed loads the newest stored createdAt the first time a conversation is seen
	seed func(ctx context.Context, conversationID string) (time.Time, error)
}

type seqShard struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newSequencer(now func() time.Time, seed func(ctx context.Context, conversationID string) (time.Time, error)) *sequencer {
	s := &sequencer{now: now, seed: seed}
	for i := range s.shards {
		s.shards[i] = &seqShard{last: make(map[string]time.Time)}
	}
	return s
}

func (s *sequencer) acquire(conversationID string) *seqShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	sh := s.shards[h.Sum32()%seqShards]
	sh.mu.Lock()
	return sh
}

func (sh *seqShard) release() {
	sh.mu.Unlock()
}

// next must be called with the shard held
func (s *sequencer) next(ctx context.Context, sh *seqShard, conversationID string) (time.Time, error) {
	last, ok := sh.last[conversationID]
	if !ok && s.seed != nil {
		seeded, err := s.seed(ctx, conversationID)
		if err != nil {
			return time.Time{}, err
		}
		last = seeded
		sh.last[conversationID] = seeded
	}
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(last) {
		t = last.Add(time.Microsecond)
	}
	return t, nil
}

func (sh *seqShard) advance(conversationID string, t time.Time) {
	if t.After(sh.last[conversationID]) {
		sh.last[conversationID] = t
	}
}
