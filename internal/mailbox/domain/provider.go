package domain

import "context"

// Provider is the capability set every adapter offers to the detection layers.
type Provider interface {
	Kind() ProviderType

	// Ping performs a cheap authenticated call to verify connectivity and credentials.
	Ping(ctx context.Context) error

	// GetThread returns the messages of a thread/conversation.
	GetThread(ctx context.Context, threadID string) ([]*Message, error)

	// Search runs a provider-native search.
	Search(ctx context.Context, q SearchQuery) ([]*Message, error)

	// Identity returns the mailbox owner's address.
	Identity(ctx context.Context) (string, error)
}

// IncrementalSource exposes a provider's change feed through an opaque cursor.
// Gmail uses a historyId, Graph a deltaLink, IMAP "uidvalidity:uid".
type IncrementalSource interface {
	// CurrentCursor returns the provider's current position without any history.
	CurrentCursor(ctx context.Context) (string, error)

	// Changes returns messages added since cursor and the cursor to store next.
	// Returns ErrCursorInvalid when the cursor is expired or unknown to the provider.
	Changes(ctx context.Context, cursor string) ([]*Message, string, error)
}

// Session is a provider bound to one account that also exposes its change feed.
type Session interface {
	Provider
	IncrementalSource
}

// Connector opens sessions for one provider type.
type Connector interface {
	Connect(ctx context.Context, account Account) (Session, error)
}

// PushCapable is implemented by connectors that can register mailbox push notifications.
type PushCapable interface {
	Watch(ctx context.Context, account Account) error
	StopWatch(ctx context.Context, account Account) error
}

// SessionSource opens the session for a user's mailbox.
type SessionSource interface {
	Open(ctx context.Context, userID string) (Session, error)
}
