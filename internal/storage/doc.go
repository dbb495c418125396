// Package storage is the system of record shared by every worker. All
// decisions the background loops make are re-derived from it each cycle,
// which is what keeps them safe across restarts.
package storage
