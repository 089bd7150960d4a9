package docsync

import "errors"

// errors.go provides the error taxonomy for the docsync package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)
//
// nothing here is fatal to the host application. every failure degrades to
// "this document may be out of sync", surfaced through the sync status.

var (
	// the remote has no record of the document or the sync call failed
	ErrReconciliation = errors.New("reconciliation failed")
	// a malformed or corrupt delta. logged and dropped; the apply call is
	// all or nothing so local state is not corrupted
	ErrApply = errors.New("delta apply failed")
	// an outbound send failed. logged, not retried
	ErrBroadcast = errors.New("broadcast failed")
	// save is a deliberate user action, so this is surfaced to the caller
	ErrSave = errors.New("save failed")
)
