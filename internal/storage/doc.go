// Package storage persists terminal request results so async submitters can
// poll for them after the fact, including across a daemon restart.
//
// Records are small and short-lived: a retention window (default one hour)
// bounds the set, and the maintenance job prunes anything older.
package storage
