// Command bloom drives a cylinder plant scanning rig: it runs scans, serves
// the rig daemon, and browses the scan database.
package main
