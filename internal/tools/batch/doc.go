// Package batch lets path-taking tools accept either a single vault path or
// a list of paths, and reports per-path outcomes of a batch in one JSON
// document so a partial failure does not hide the paths that succeeded.
package batch
