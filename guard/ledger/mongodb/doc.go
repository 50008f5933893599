// Package mongodb implements the ledger store on MongoDB using
// version-filtered findOneAndUpdate for compare-and-set writes and an
// append-only journal collection.
package mongodb
