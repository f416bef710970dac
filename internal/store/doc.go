// Package store provides the repositories that own persisted processing
// items and saved bookmarks. Each user's collection is a single JSON document
// in the object store: processing/{userId}.json and bookmarks/{userId}.json.
package store
