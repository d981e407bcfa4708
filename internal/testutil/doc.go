// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing events, exercising event log
// backends and injecting storage failures. Not intended for production usage.
package testutil
