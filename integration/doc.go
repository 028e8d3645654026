//go:build integration

// Package integration provides integration tests for unthin.
//
// These tests require Docker. They start a PostgreSQL server for the
// validation status cache and an OCI registry for blob storage using
// testcontainers.
// Run with: go test -tags=integration ./integration/...
package integration
