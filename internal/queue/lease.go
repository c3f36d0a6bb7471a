package queue

import (
	"slices"
	"strings"
	"time"

	"github.com/msageha/artifactd/internal/model"
)

// acquire stamps a new lease on t. The epoch only ever grows, so a holder
// of an older epoch can be told apart from the current one.
func acquire(t *model.Task, owner string, now time.Time, visibility time.Duration) {
	expires := now.Add(visibility).UTC()
	t.LeaseOwner = owner
	t.LeaseEpoch++
	t.LeaseExpires = &expires
	t.NotBefore = nil
}

func release(t *model.Task) {
	t.LeaseOwner = ""
	t.LeaseExpires = nil
}

func extend(t *model.Task, now time.Time, visibility time.Duration) time.Time {
	expires := now.Add(visibility).UTC()
	t.LeaseExpires = &expires
	return expires
}

func leaseExpired(t *model.Task, now time.Time) bool {
	return t.LeaseExpires == nil || !now.Before(*t.LeaseExpires)
}

func holds(t *model.Task, epoch int) bool {
	return t != nil && t.LeaseEpoch == epoch
}

// sortByLeaseExpiry orders tasks by lease expiry, oldest first, so
// redelivery preserves the order in which the tasks were handed out.
func sortByLeaseExpiry(ts []*model.Task) {
	slices.SortStableFunc(ts, func(a, b *model.Task) int {
		switch {
		case a.LeaseExpires == nil && b.LeaseExpires == nil:
			return strings.Compare(a.ID, b.ID)
		case a.LeaseExpires == nil:
			return -1
		case b.LeaseExpires == nil:
			return 1
		}
		if c := a.LeaseExpires.Compare(*b.LeaseExpires); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
