// Package store defines the domain model and persistence interfaces for the
// crawl coordinator (accounts, hero stats, scheduler metadata). Implementations
// live in other packages; this package must not import database drivers or
// concrete clients.
package store
