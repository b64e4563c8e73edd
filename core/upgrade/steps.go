package upgrade

import (
	"context"
	"fmt"
)

// Step is one structural change. Apply moves the store from Version-1 to Version and
// runs inside the upgrade transaction.
type Step struct {
	Version     int
	Name        string
	Description string
	Apply       func(ctx context.Context) error
}

// validateSteps requires exactly one step per version 1..current, in ascending order.
// With that in place, upgrading from current selects no step at all.
func validateSteps(steps []Step, current int) error {
	if current < 0 {
		return fmt.Errorf("%w: negative current version %d", ErrInvalidConfig, current)
	}
	if len(steps) != current {
		return fmt.Errorf("%w: %d structural steps registered for current version %d",
			ErrInvalidConfig, len(steps), current)
	}
	for i, step := range steps {
		if step.Version != i+1 {
			return fmt.Errorf("%w: step %q has version %d, expected %d",
				ErrInvalidConfig, step.Name, step.Version, i+1)
		}
		if step.Apply == nil {
			return fmt.Errorf("%w: step %q has no apply function", ErrInvalidConfig, step.Name)
		}
	}
	return nil
}

// pendingSteps returns the steps with from < Version <= current.
func pendingSteps(steps []Step, from int) []Step {
	var out []Step
	for _, step := range steps {
		if step.Version > from {
			out = append(out, step)
		}
	}
	return out
}
