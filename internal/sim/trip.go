package sim

// Trip is one planned journey: travel from Origin to Destination, not
// before Start (seconds since midnight).
type Trip struct {
	Origin      string
	Destination string
	Start       float64
}
