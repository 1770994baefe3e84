// Package status derives a worker's status record from its oplog. Fold is
// a pure function over a range of entries; Calculate reads the entries
// after a cached record and folds them in.
package status
