// Package fleet defines the data-access contracts shared by the dispatcher,
// planner, monitor, and poller: accounts, action records, post observations,
// target channels, outcome polling, and the scheduled content queue.
//
// Implementations live in internal/repository/postgres. Tests substitute
// in-memory or sqlmock doubles.
package fleet
