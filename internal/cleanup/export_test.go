package cleanup

import "time"

// SetClock overrides the reconciler's time source.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }
