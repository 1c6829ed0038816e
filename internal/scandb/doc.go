// Package scandb persists scan records and their images in SQLite.
//
// A scan and all of its image rows are written in one transaction through
// CreateScanWithImages; there is no API for adding images to an existing scan
// or for editing a scan after the fact. Scans are removed only by soft
// deletion. A unique index on (plant, experiment, capture date) rejects the
// same capture being recorded twice.
package scandb
