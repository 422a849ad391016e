package errors

// Wrap attaches Op and Component to err without classifying it.
// If err is nil, returns nil. If err is already a SyncError its Kind and
// retryability are preserved.
func Wrap(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*SyncError); ok {
		return &SyncError{Op: op, Component: component, Kind: se.Kind, Retryable: se.Retryable, Err: se}
	}
	return &SyncError{Op: op, Component: component, Err: err}
}

// WrapKind attaches Op, Component, and Kind to err.
// If err is nil, returns nil.
func WrapKind(err error, op Operation, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return &SyncError{
		Op:        op,
		Component: component,
		Kind:      kind,
		Retryable: kind == KindTransient,
		Err:       err,
	}
}
