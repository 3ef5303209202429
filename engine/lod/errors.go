package lod

import (
	"errors"
)

var (
	// ErrMissingData is returned when a level's source lacks a required blob.
	ErrMissingData = errors.New("level data missing")

	// ErrAllocationFailure is returned when device buffers for a level cannot be created.
	ErrAllocationFailure = errors.New("level allocation failed")

	// ErrInvalidArgument is returned for level indices outside the table and malformed tables.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBudgetOverrun describes a load that left usage above the budget because nothing
	// else could be evicted. It is logged and counted, never returned.
	ErrBudgetOverrun = errors.New("memory budget overrun")
)
