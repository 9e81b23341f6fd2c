package bucket

import "github.com/INLOpen/epbucket/core"

// ValidateDcpOpen gates a DCP connection request against the connection's
// negotiated features. DCP on a connection with unordered execution enabled
// has no defined semantics; reject it outright rather than guess one.
func ValidateDcpOpen(unorderedExecution bool) error {
	if unorderedExecution {
		return core.ErrNotSupported
	}
	return nil
}
