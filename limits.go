package main

import "time"

// Operational limits for the relay, centralized here as named constants
// rather than scattered across files.
const (
	// statsLogInterval is how often the periodic operator stats line is
	// emitted.
	statsLogInterval = 30 * time.Second
)
