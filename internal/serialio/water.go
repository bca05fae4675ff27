package serialio

// WaterCheck compares the controller's daily water counter with the quota
type WaterCheck struct {
	// Quota is the daily water quota in pulses
	Quota int
	// MinPercent is the share of Quota below which an alert is raised
	MinPercent int
}

// Minimum returns the lowest acceptable pulse count
func (w WaterCheck) Minimum() int {
	return w.Quota * w.MinPercent / 100
}

// Low reports whether a daily count is under the minimum. A zero count
// means no report was received and is never low.
func (w WaterCheck) Low(count int) bool {
	if count <= 0 || w.Quota <= 0 {
		return false
	}
	return count < w.Minimum()
}
