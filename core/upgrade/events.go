package upgrade

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UpgradeEventType names an event published on the upgrader's bus.
type UpgradeEventType string

const (
	UpgradeStart    UpgradeEventType = "upgrade:start"
	UpgradeState    UpgradeEventType = "upgrade:state"
	UpgradeStep     UpgradeEventType = "upgrade:step"
	UpgradeSuccess  UpgradeEventType = "upgrade:success"
	UpgradeFailed   UpgradeEventType = "upgrade:failed"
	RollbackStart   UpgradeEventType = "rollback:start"
	RollbackSuccess UpgradeEventType = "rollback:success"
	RollbackFailed  UpgradeEventType = "rollback:failed"
)

// UpgradeEvent describes one point in the life of an Upgrade call. All events of
// one call share the same RunID.
type UpgradeEvent struct {
	Type        UpgradeEventType `json:"type"`
	RunID       string           `json:"runId"`
	Timestamp   int64            `json:"timestamp"`
	State       State            `json:"state"`
	FromVersion int              `json:"fromVersion"`
	ToVersion   int              `json:"toVersion"`
	Step        *string          `json:"step,omitempty"`
	Comparison  *string          `json:"comparison,omitempty"`
	Error       *string          `json:"error,omitempty"`
	Duration    *int64           `json:"duration,omitempty"` // milliseconds since the run started
}

// EventCallbackFunction receives published events.
type EventCallbackFunction func(ctx context.Context, event UpgradeEvent) error

// RegisterSubscriptionOptions configures a subscription to one event type.
type RegisterSubscriptionOptions struct {
	Event       UpgradeEventType `json:"event"`
	Label       *string          `json:"label,omitempty"`
	Description *string          `json:"description,omitempty"`
	Callback    EventCallbackFunction
}

// SubscriptionInfo describes an active subscription.
type SubscriptionInfo struct {
	Id          *string          `json:"id"`
	Event       UpgradeEventType `json:"event"`
	Label       *string          `json:"label,omitempty"`
	Description *string          `json:"description,omitempty"`
	Unsubscribe func()           `json:"-"`
}

// run carries what the events of one Upgrade call have in common.
type run struct {
	id      string
	from    int
	to      int
	started time.Time
	state   State
	// comparison is set once the schema has been classified.
	comparison string
}

func newRun(to int) *run {
	return &run{
		id:      uuid.New().String(),
		to:      to,
		started: time.Now(),
		state:   StateStart,
	}
}

func (r *run) event(eventType UpgradeEventType, err error) UpgradeEvent {
	d := time.Since(r.started).Milliseconds()
	ev := UpgradeEvent{
		Type:        eventType,
		RunID:       r.id,
		Timestamp:   time.Now().UnixMilli(),
		State:       r.state,
		FromVersion: r.from,
		ToVersion:   r.to,
		Duration:    &d,
	}
	if r.comparison != "" {
		cmp := r.comparison
		ev.Comparison = &cmp
	}
	if err != nil {
		msg := err.Error()
		ev.Error = &msg
	}
	return ev
}

// RegisterSubscription registers a callback for an upgrade event type and returns an
// ID that can be passed to UnregisterSubscription.
func (u *Upgrader) RegisterSubscription(options RegisterSubscriptionOptions) string {
	u.subMu.Lock()
	defer u.subMu.Unlock()

	unsubscribe := u.bus.Subscribe(string(options.Event), options.Callback)
	id := uuid.New().String()

	u.subscriptions[id] = &SubscriptionInfo{
		Id:          &id,
		Event:       options.Event,
		Label:       options.Label,
		Description: options.Description,
		Unsubscribe: unsubscribe,
	}
	return id
}

// UnregisterSubscription removes a subscription by its ID.
func (u *Upgrader) UnregisterSubscription(id string) {
	u.subMu.Lock()
	defer u.subMu.Unlock()

	if info, ok := u.subscriptions[id]; ok {
		info.Unsubscribe()
		delete(u.subscriptions, id)
	}
}

// Subscriptions returns all active subscriptions.
func (u *Upgrader) Subscriptions() []SubscriptionInfo {
	u.subMu.RLock()
	defer u.subMu.RUnlock()

	subs := make([]SubscriptionInfo, 0, len(u.subscriptions))
	for _, sub := range u.subscriptions {
		subs = append(subs, *sub)
	}
	return subs
}

func (u *Upgrader) emit(event UpgradeEvent) {
	if u.bus != nil {
		u.bus.Emit(string(event.Type), event)
	}
}
