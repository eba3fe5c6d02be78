package errors

// WrapOpComponent wraps err with a consistent Op and Component.
// If err is nil, returns nil. Retryability of an inner SyncError is preserved.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
		Retryable: IsRetryable(err),
	}
}

// WrapOpComponentCode is WrapOpComponent with an explicit error code.
func WrapOpComponentCode(err error, op Operation, component string, code ErrorCode) error {
	if err == nil {
		return nil
	}
	return &SyncError{
		Op:        op,
		Component: component,
		Code:      code,
		Err:       err,
		Retryable: IsRetryable(err),
	}
}
