package apply

import (
	"fmt"

	"github.com/adamancini/spool/internal/plan"
)

// PartialApplyError is returned when an operation fails part-way through a
// plan. Completed operations are not rolled back; Remaining (which starts
// with the failed operation) can be retried as its own plan.
type PartialApplyError struct {
	State     State
	Failed    plan.Op
	Completed []plan.Op
	Remaining []plan.Op
	Err       error
}

func (e *PartialApplyError) Error() string {
	return fmt.Sprintf("apply failed during %s at %s %s (%d done, %d remaining): %v",
		e.State, e.Failed.Action, e.Failed.Path, len(e.Completed), len(e.Remaining), e.Err)
}

func (e *PartialApplyError) Unwrap() error {
	return e.Err
}

// RetryPlan returns a plan holding only the operations that did not complete.
func (e *PartialApplyError) RetryPlan() *plan.Plan {
	return plan.New(e.Remaining...)
}
