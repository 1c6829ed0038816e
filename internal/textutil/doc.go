// Package textutil turns operator-entered identifiers into safe path
// segments for the scan directory tree.
package textutil
