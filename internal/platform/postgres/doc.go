// Package postgres provides the PostgreSQL implementation of the task
// state store, plus error mapping from database errors to domain errors
// and the embedded schema migrations.
package postgres
