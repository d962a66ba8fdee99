package pool

import "time"

// Connection is a reusable handle to a remote sheet for one tenant.
type Connection struct {
	TenantID   string
	Handle     Handle
	SheetRef   string
	createdAt  time.Time
	lastUsedAt time.Time
	inUse      bool
}

// CreatedAt returns when the underlying remote handle was opened.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// LastUsedAt returns when the connection was last released back to the pool.
func (c *Connection) LastUsedAt() time.Time { return c.lastUsedAt }

// InUse reports whether the connection is currently held by a caller.
func (c *Connection) InUse() bool { return c.inUse }
