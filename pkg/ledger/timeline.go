package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// TimelineQuery filters a replay of the chain into one history view.
// Zero-value fields match everything.
type TimelineQuery struct {
	TaskID    string      `json:"task_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Actor     string      `json:"actor,omitempty"`
	Types     []EventType `json:"types,omitempty"`
	After     time.Time   `json:"after,omitempty"`  // exclusive
	Before    time.Time   `json:"before,omitempty"` // exclusive
	Limit     int         `json:"limit,omitempty"`
}

// payloadRef pulls the correlation ids event payloads carry.
type payloadRef struct {
	TaskID    string `json:"task_id"`
	RequestID string `json:"request_id"`
}

// Timeline replays the chain and returns the events matching q, in chain
// order. The chain is append ordered, so the result needs no sort pass.
func (l *Ledger) Timeline(ctx context.Context, q TimelineQuery) ([]*Event, error) {
	var out []*Event
	cur := l.Cursor(0)
	for {
		ev, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		if !q.matches(ev) {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			return out, nil
		}
	}
}

// TaskHistory returns every chained event carrying the given task id, from
// creation through its terminal state.
func (l *Ledger) TaskHistory(ctx context.Context, taskID string) ([]*Event, error) {
	return l.Timeline(ctx, TimelineQuery{TaskID: taskID})
}

func (q TimelineQuery) matches(ev *Event) bool {
	if q.Actor != "" && ev.Actor != q.Actor {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.After.IsZero() && !ev.Timestamp.After(q.After) {
		return false
	}
	if !q.Before.IsZero() && !ev.Timestamp.Before(q.Before) {
		return false
	}
	if q.TaskID != "" || q.RequestID != "" {
		if len(ev.Payload) == 0 {
			return false
		}
		var ref payloadRef
		if err := json.Unmarshal(ev.Payload, &ref); err != nil {
			return false
		}
		if q.TaskID != "" && ref.TaskID != q.TaskID {
			return false
		}
		if q.RequestID != "" && ref.RequestID != q.RequestID {
			return false
		}
	}
	return true
}
