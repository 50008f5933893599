// Package postgres implements the ledger store on PostgreSQL with a
// version-column compare-and-set and an append-only entries table.
// Schema installation is handled by RunMigrations using embedded
// golang-migrate migrations.
package postgres
