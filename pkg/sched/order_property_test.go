//go:build property

package sched

import (
	"container/heap"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type orderSeed struct {
	tier     int
	rank     int
	priority int
	offset   int
}

func seedGen() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.IntRange(0, 3),
		gen.IntRange(0, 9),
		gen.IntRange(0, 5),
	).Map(func(vals []interface{}) orderSeed {
		return orderSeed{
			tier:     vals[0].(int),
			rank:     vals[1].(int),
			priority: vals[2].(int),
			offset:   vals[3].(int),
		}
	})
}

func materialize(seeds []orderSeed) []*Task {
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	tiers := []Tier{TierHigh, TierMedium, TierLow}
	ranks := []string{"", "aaa", "mmm", "zzz"}
	tasks := make([]*Task, len(seeds))
	for i, s := range seeds {
		tasks[i] = &Task{
			ID:            fmt.Sprintf("task-%d", i),
			Tier:          tiers[s.tier],
			PlacementRank: ranks[s.rank],
			UserPriority:  s.priority,
			Status:        StatusPending,
			Seq:           uint64(i),
			CreatedAt:     base.Add(time.Duration(s.offset) * time.Second),
		}
	}
	return tasks
}

func TestOrderProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	properties := gopter.NewProperties(params)

	properties.Property("urgency comparison is a strict order", prop.ForAll(
		func(sa, sb orderSeed) bool {
			pair := materialize([]orderSeed{sa, sb})
			a, b := pair[0], pair[1]
			if urgentBefore(a, a) || urgentBefore(b, b) {
				return false
			}
			return !(urgentBefore(a, b) && urgentBefore(b, a))
		},
		seedGen(),
		seedGen(),
	))

	properties.Property("heap drains in exactly sorted urgency order", prop.ForAll(
		func(seeds []orderSeed) bool {
			tasks := materialize(seeds)

			want := make([]*Task, len(tasks))
			copy(want, tasks)
			sort.Slice(want, func(i, j int) bool { return urgentBefore(want[i], want[j]) })

			h := make(pendingHeap, 0, len(tasks))
			for _, task := range tasks {
				heap.Push(&h, task)
			}
			for i := range want {
				got := heap.Pop(&h).(*Task)
				if got.ID != want[i].ID {
					return false
				}
			}
			return h.Len() == 0
		},
		gen.SliceOf(seedGen()),
	))

	properties.TestingRun(t)
}
