// Package storage persists the bot's durable state: the primary source's
// posts and the ad-hoc subscription map.
//
// Both are saved as whole snapshots. The file driver writes one JSON file per
// snapshot with a tmp+rename swap; the sqlite driver replaces table content
// inside a single transaction.
package storage
