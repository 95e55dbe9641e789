// Package gps reads an external GNSS receiver (NMEA over serial, or gpsd)
// and serves its fixes through the adapter.Geolocation interface, so an
// attached receiver can stand in for the host's own location service.
package gps
