package safety

import "time"

// SetClock replaces the monitor's time source
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }
