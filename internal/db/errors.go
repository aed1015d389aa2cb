package db

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist locally.
	ErrNotFound = errors.New("not found")

	// ErrPendingMutation is returned when a delete would orphan a queued
	// mutation that still references the entity.
	ErrPendingMutation = errors.New("entity has a pending queued mutation")

	// ErrRemoteIDSet is returned when a second attempt is made to assign a
	// remote ID; remote identity is assigned exactly once.
	ErrRemoteIDSet = errors.New("remote id already set")
)
