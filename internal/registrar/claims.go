package registrar

import (
	"context"
	"sync"

	"cloud.google.com/go/civil"
)

type claimKey struct {
	date  civil.Date
	title string
}

type claim struct {
	owner     string
	confirmed bool
	done      chan struct{}
}

// ClaimIndex is the run-scoped record of which account owns each
// (date, title) pair. A claim is pending while its owner checks and
// creates, and confirmed once the event exists. Siblings wait on pending
// claims; a released claim frees the key for the next account.
type ClaimIndex struct {
	mu      sync.Mutex
	entries map[claimKey]*claim
}

func NewClaimIndex() *ClaimIndex {
	return &ClaimIndex{entries: map[claimKey]*claim{}}
}

// Acquire reserves (date, title) for account. It returns ok=false and the
// owner when another account has confirmed the key, and blocks while
// another account's claim is pending. Only ctx cancellation yields an
// error.
func (c *ClaimIndex) Acquire(ctx context.Context, date civil.Date, title, account string) (owner string, ok bool, err error) {
	key := claimKey{date: date, title: title}
	for {
		c.mu.Lock()
		e, exists := c.entries[key]
		switch {
		case !exists:
			c.entries[key] = &claim{owner: account, done: make(chan struct{})}
			c.mu.Unlock()
			return account, true, nil
		case e.owner == account:
			c.mu.Unlock()
			return account, true, nil
		case e.confirmed:
			c.mu.Unlock()
			return e.owner, false, nil
		}
		done := e.done
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

// Confirm marks account's pending claim as registered and wakes waiters.
func (c *ClaimIndex) Confirm(date civil.Date, title, account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[claimKey{date: date, title: title}]
	if !ok || e.owner != account || e.confirmed {
		return
	}
	e.confirmed = true
	close(e.done)
}

// Release drops account's pending claim so a sibling may try.
func (c *ClaimIndex) Release(date civil.Date, title, account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := claimKey{date: date, title: title}
	e, ok := c.entries[key]
	if !ok || e.owner != account || e.confirmed {
		return
	}
	delete(c.entries, key)
	close(e.done)
}

// Owner returns the account that confirmed (date, title), if any.
func (c *ClaimIndex) Owner(date civil.Date, title string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[claimKey{date: date, title: title}]
	if !ok || !e.confirmed {
		return "", false
	}
	return e.owner, true
}
