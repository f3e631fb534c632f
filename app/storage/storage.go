// Package storage keeps labeled samples and trained models.
// Samples and Models live in a sql database handled by the engine package, each table is represented
// by a struct with methods implementing business logic for this data type. RedisModels keeps models in redis.
package storage

import "errors"

// ErrNotFound is returned when a requested record doesn't exist
var ErrNotFound = errors.New("not found")

// maxLogMsg is the max length of a message printed to debug log
const maxLogMsg = 1024

func trimForLog(msg string) string {
	if len(msg) > maxLogMsg {
		return msg[:maxLogMsg] + "..."
	}
	return msg
}
