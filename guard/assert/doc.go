// Package assert provides invariant assertions that log violations and
// return typed errors instead of panicking.
package assert
