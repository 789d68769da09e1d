// ABOUTME: Short-lived memory of client message ids already accepted on a session
// ABOUTME: Lets a client retry send_message after reconnect without duplicating the message

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key      string
	markedAt time.Time
}

// Cache remembers which (user, client message id) pairs have already been
// accepted, for a bounded time and a bounded number of entries. Entries are
// kept in mark order so both TTL sweeping and capacity eviction drop the
// oldest first.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]*list.Element
	order    *list.List // *entry, oldest at the front

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache that forgets marks after ttl and holds at most
// capacity entries. A background goroutine sweeps expired marks until Close.
func New(ttl time.Duration, capacity int) *Cache {
	c := &Cache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		done:     make(chan struct{}),
	}
	go c.sweep()
	return c
}

// key joins the user and client message id; the separator cannot appear in
// either part, so distinct pairs never collide
func key(userID, clientMsgID string) string {
	return userID + "\x00" + clientMsgID
}

// SeenOrMark reports whether the user already submitted this client message
// id within the TTL, marking it as seen when it is new. The check and the
// mark are one atomic step.
func (c *Cache) SeenOrMark(userID, clientMsgID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(userID, clientMsgID)
	if el, ok := c.entries[k]; ok {
		e := el.Value.(*entry)
		if time.Since(e.markedAt) < c.ttl {
			return true
		}
		// Expired mark: treat as new and refresh in place
		e.markedAt = time.Now()
		c.order.MoveToBack(el)
		return false
	}

	if len(c.entries) >= c.capacity {
		c.dropOldest()
	}
	c.entries[k] = c.order.PushBack(&entry{key: k, markedAt: time.Now()})
	return false
}

// Forget clears a mark so the same frame may be retried. Used when the
// operation guarded by the mark fails after SeenOrMark accepted it.
func (c *Cache) Forget(userID, clientMsgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(userID, clientMsgID)
	if el, ok := c.entries[k]; ok {
		c.order.Remove(el)
		delete(c.entries, k)
	}
}

// dropOldest evicts the front entry. Must be called with mu held.
func (c *Cache) dropOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.entries, front.Value.(*entry).key)
}

// sweep periodically drops expired marks from the front of the order list.
// The list is ordered by mark time, so sweeping stops at the first live
// entry.
func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			for {
				front := c.order.Front()
				if front == nil || time.Since(front.Value.(*entry).markedAt) < c.ttl {
					break
				}
				c.order.Remove(front)
				delete(c.entries, front.Value.(*entry).key)
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
