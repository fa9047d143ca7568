// Package ids implements the identifier policy from spec.md §3: canonical
// entities get a deterministic UUID derived from (table_name, natural_name)
// so re-upserting the same natural name always targets the same row;
// transient rows (messages, tasks, feedback, codes) get a random UUID.
package ids

import "github.com/google/uuid"

// namespace is the root UUID every deterministic ID is derived from. It has
// no meaning beyond being a fixed, never-changing seed for uuid.NewSHA1 —
// changing it would re-derive every canonical entity's ID.
var namespace = uuid.MustParse("7b3f7b9a-7e9c-4e7a-8a2c-2f6f6c9b9b1a")

// Deterministic derives a UUIDv5-equivalent ID from (table, naturalName).
// Calling it twice with the same arguments always returns the same string.
func Deterministic(table, naturalName string) string {
	return uuid.NewSHA1(namespace, []byte(table+":"+naturalName)).String()
}

// Random returns a fresh random UUID for transient rows.
func Random() string {
	return uuid.New().String()
}
