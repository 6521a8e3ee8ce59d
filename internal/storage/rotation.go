package storage

// RotationPolicy decides when the writer must close the current output
// file and open a new one. Size is the only hard trigger; time-based
// flushing is handled separately by the writer's interval timer. The
// decision is taken after a flush, never mid-batch, so file boundaries
// stay sharp.
type RotationPolicy struct {
	RotationBytes int64
}

// ShouldRotate reports whether the open file has reached the size
// threshold.
func (p RotationPolicy) ShouldRotate(openFileBytes int64) bool {
	return openFileBytes >= p.RotationBytes
}
