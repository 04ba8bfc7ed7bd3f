package replication

import (
	"fmt"
	"sync"
	"time"
)

const defaultTagPrefix = "copy_trading"

// tagger hands out placement tags whose numeric suffix strictly increases, even when two
// placements land in the same millisecond.
type tagger struct {
	prefix string
	now    func() time.Time

	mu   sync.Mutex
	last int64
}

func newTagger(prefix string, now func() time.Time) *tagger {
	if prefix == "" {
		prefix = defaultTagPrefix
	}
	return &tagger{prefix: prefix, now: now}
}

func (t *tagger) next() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.now().UnixMilli()
	if v <= t.last {
		v = t.last + 1
	}
	t.last = v
	return fmt.Sprintf("%s_%d", t.prefix, v)
}

func childTag(parentTag, childID string) string {
	return parentTag + "_child_" + childID
}
