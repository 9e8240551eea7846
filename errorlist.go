package transactions

import "sync"

// errorList is the ordered set of failures recorded against one attempt.  It
// has its own lock so that recording a failure never waits on the attempt lock.
type errorList struct {
	lock sync.Mutex
	errs []*TransactionOperationFailedError
}

func (l *errorList) add(err *TransactionOperationFailedError) {
	l.lock.Lock()
	l.errs = append(l.errs, err)
	l.lock.Unlock()
}

func (l *errorList) len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.errs)
}

func (l *errorList) all() []*TransactionOperationFailedError {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]*TransactionOperationFailedError(nil), l.errs...)
}

// merged folds the recorded failures into the single error reported for the
// attempt.  Failures which do not need to be raised are only kept when nothing
// more specific was recorded.
func (l *errorList) merged() *TransactionOperationFailedError {
	errs := l.all()

	var raised []*TransactionOperationFailedError
	for _, err := range errs {
		if err.shouldRaise != ErrorReasonSuccess {
			raised = append(raised, err)
		}
	}
	if len(raised) > 0 {
		errs = raised
	}

	return mergeOperationFailedErrors(errs)
}
