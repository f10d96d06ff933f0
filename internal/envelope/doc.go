// Package envelope defines the JSON message unit exchanged over participant
// connections, including validation, gateway stamping, correlation helpers,
// and the error payload convention shared by all components.
package envelope
