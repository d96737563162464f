// Package store provides storage backends for StagePipe.
//
// This file implements the in-process change notifier shared by all backends.
package store

import (
	"log/slog"
	"sync"

	"github.com/FlowDesk/StagePipe/internal/models"
)

// subscriberBufferSize bounds each subscription channel. A subscriber that
// falls this far behind starts dropping updates rather than blocking writers.
const subscriberBufferSize = 16

// stepNotifier fans out step collection saves to active subscribers.
type stepNotifier struct {
	mu   sync.Mutex
	subs map[string]map[int]chan models.StepCollection
	next int
}

func newStepNotifier() *stepNotifier {
	return &stepNotifier{subs: make(map[string]map[int]chan models.StepCollection)}
}

func stepKey(prospectID, projectType string) string {
	return prospectID + "|" + projectType
}

// subscribe registers a new subscriber for a (prospect, project) pair and
// returns the receiving channel plus a cancel function.
func (n *stepNotifier) subscribe(prospectID, projectType string) (<-chan models.StepCollection, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := stepKey(prospectID, projectType)
	if n.subs[key] == nil {
		n.subs[key] = make(map[int]chan models.StepCollection)
	}
	id := n.next
	n.next++
	ch := make(chan models.StepCollection, subscriberBufferSize)
	n.subs[key][id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[key][id]; ok {
			delete(n.subs[key], id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish pushes a saved collection to every active subscriber. Slow
// subscribers are skipped, not waited on.
func (n *stepNotifier) publish(c models.StepCollection) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := stepKey(c.ProspectID, c.ProjectType)
	for id, ch := range n.subs[key] {
		select {
		case ch <- c:
		default:
			slog.Warn("stepNotifier dropping update for slow subscriber", "prospectID", c.ProspectID, "projectType", c.ProjectType, "subscriber", id)
		}
	}
}
