// Package scheduler turns cron expressions and fixed intervals into task
// triggers for the engine. It never runs jobs itself: each tick enqueues
// one task, and the engine's overlap gate drops a tick whose previous run
// is still in flight.
package scheduler
