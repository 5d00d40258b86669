// Package throttle is the throttle gate: it limits how often saves of one
// source type by one actor may trigger propagation.
//
// A rate "N/period" admits a save when fewer than N records with the same
// label were created within the trailing period. Admitted saves append a
// record; rejected saves return *ThrottledError and append nothing.
package throttle
