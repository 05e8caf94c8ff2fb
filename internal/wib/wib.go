// Package wib provides the fixed UTC+7 clock used for every timestamp
// persisted to the control database.
package wib

import "time"

// Zone is Waktu Indonesia Barat (UTC+7).
var Zone = time.FixedZone("WIB", 7*3600)

// Now returns the current time in the WIB zone.
func Now() time.Time {
	return time.Now().In(Zone)
}
