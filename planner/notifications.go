package planner

import (
	"encoding/json"
	"strings"
)

// Family identifies a resource class for which one change-notification
// subscription is maintained.
type Family string

const (
	FamilyGroupActivity   Family = "group-activity"
	FamilyChatMessages    Family = "chat-messages"
	FamilyChannelMessages Family = "channel-messages"
	FamilyUserMessages    Family = "user-messages"
	FamilyUnknown         Family = "unknown"
)

// Families lists every family the subscription manager maintains.
func Families() []Family {
	return []Family{
		FamilyGroupActivity,
		FamilyChatMessages,
		FamilyChannelMessages,
		FamilyUserMessages,
	}
}

// NotificationBatch is the body of a webhook POST.
type NotificationBatch struct {
	Value []Notification `json:"value"`
}

// Notification is one change notification as delivered to the webhook.
type Notification struct {
	ChangeType             string          `json:"changeType"`
	Resource               string          `json:"resource"`
	ResourceData           json.RawMessage `json:"resourceData,omitempty"`
	ClientState            string          `json:"clientState"`
	SubscriptionID         string          `json:"subscriptionId"`
	SubscriptionExpiration string          `json:"subscriptionExpirationDateTime,omitempty"`
	LifecycleEvent         string          `json:"lifecycleEvent,omitempty"`
}

// Lifecycle event names routed to the subscription manager instead of the
// download pipeline.
const (
	LifecycleReauthorizationRequired = "reauthorizationRequired"
	LifecycleSubscriptionRemoved     = "subscriptionRemoved"
)

// IsLifecycle reports whether the notification is a subscription lifecycle
// event rather than a resource change.
func (n Notification) IsLifecycle() bool {
	return n.LifecycleEvent != ""
}

// ResourceEvent is the discriminated decoding of a notification's resource
// path. The payload schema varies per resource family; each variant carries
// exactly the fields its branch needs.
type ResourceEvent interface {
	Family() Family
}

// TaskEvent is a change to a single remote task.
type TaskEvent struct {
	TaskID string
}

func (TaskEvent) Family() Family { return FamilyGroupActivity }

// PlanEvent is a plan-level change; resolving it requires scanning the
// plan's tasks.
type PlanEvent struct {
	PlanID string
}

func (PlanEvent) Family() Family { return FamilyGroupActivity }

// GroupEvent is a group-activity change not tied to a specific plan.
type GroupEvent struct {
	GroupID string
}

func (GroupEvent) Family() Family { return FamilyGroupActivity }

// ChatMessageEvent is a chat message stream change.
type ChatMessageEvent struct {
	ChatID    string
	MessageID string
}

func (ChatMessageEvent) Family() Family { return FamilyChatMessages }

// ChannelMessageEvent is a channel message stream change.
type ChannelMessageEvent struct {
	TeamID    string
	ChannelID string
	MessageID string
}

func (ChannelMessageEvent) Family() Family { return FamilyChannelMessages }

// UserMessageEvent is a user-scoped message stream change.
type UserMessageEvent struct {
	UserID    string
	MessageID string
}

func (UserMessageEvent) Family() Family { return FamilyUserMessages }

// UnknownEvent preserves a resource path no branch recognizes. Callers log
// and drop these.
type UnknownEvent struct {
	Resource string
}

func (UnknownEvent) Family() Family { return FamilyUnknown }

// ParseResource decodes a notification resource path into its variant.
// Recognized shapes:
//
//	tasks/{id}
//	plans/{id}            plans/{id}/tasks
//	groups/{id}           groups/{id}/plans
//	chats/{id}/messages             chats/{id}/messages/{mid}
//	teams/{tid}/channels/{cid}/messages[/{mid}]
//	users/{uid}/messages[/{mid}]
func ParseResource(resource string) ResourceEvent {
	parts := strings.Split(strings.Trim(resource, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return UnknownEvent{Resource: resource}
	}

	seg := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}
		return ""
	}

	switch parts[0] {
	case "tasks":
		if id := seg(1); id != "" {
			return TaskEvent{TaskID: id}
		}
	case "plans":
		if id := seg(1); id != "" {
			return PlanEvent{PlanID: id}
		}
	case "groups":
		if id := seg(1); id != "" {
			return GroupEvent{GroupID: id}
		}
	case "chats":
		if id := seg(1); id != "" && seg(2) == "messages" {
			return ChatMessageEvent{ChatID: id, MessageID: seg(3)}
		}
	case "teams":
		if tid := seg(1); tid != "" && seg(2) == "channels" && seg(4) == "messages" {
			return ChannelMessageEvent{TeamID: tid, ChannelID: seg(3), MessageID: seg(5)}
		}
	case "users":
		if uid := seg(1); uid != "" && seg(2) == "messages" {
			return UserMessageEvent{UserID: uid, MessageID: seg(3)}
		}
	}
	return UnknownEvent{Resource: resource}
}
