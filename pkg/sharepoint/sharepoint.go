// Package sharepoint contains the core domain types for the SharePoint delta sync service.
package sharepoint

import "time"

// Task is a queued unit of notification work. Tasks live only in memory.
type Task struct {
	ReceivedAt     time.Time
	SubscriptionID string
	ChangedItemID  string
}

// ChangeItem is a driveItem returned by the delta feed.
type ChangeItem struct {
	ID          string
	Name        string
	DownloadURL string // Pre-authenticated, empty for folders and deleted items
	Size        int64
	Deleted     bool
	Folder      bool
}

// DeltaPage is one page of the delta feed. Exactly one of NextLink and DeltaLink is
// normally set: NextLink while more pages remain, DeltaLink on the final page.
type DeltaPage struct {
	Items     []ChangeItem
	NextLink  string
	DeltaLink string
}

// DownloadedFile is the content of an updated item, ready for staging.
type DownloadedFile struct {
	ItemID string
	Name   string
	Data   []byte
}

// ResourceData identifies the changed resource inside a notification.
type ResourceData struct {
	ID string `json:"id"`
}

// Notification is a single change entry delivered to the webhook.
type Notification struct {
	SubscriptionID string       `json:"subscriptionId"`
	ClientState    string       `json:"clientState,omitempty"`
	ChangeType     string       `json:"changeType,omitempty"`
	Resource       string       `json:"resource,omitempty"`
	ResourceData   ResourceData `json:"resourceData"`
	TenantID       string       `json:"tenantId,omitempty"`
}

// NotificationEnvelope is the POST body sent by the change-notification service.
type NotificationEnvelope struct {
	Value []Notification `json:"value"`
}

// Subscription is a remote push-notification subscription.
type Subscription struct {
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ID                 string    `json:"id,omitempty"`
	Resource           string    `json:"resource"`
	ChangeType         string    `json:"changeType"`
	NotificationURL    string    `json:"notificationUrl"`
	ClientState        string    `json:"clientState,omitempty"`
}
