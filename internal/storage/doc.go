// Package storage persists what must survive a restart: the change log that
// seeds the in-memory history, and notifier dedup deadlines.
package storage
