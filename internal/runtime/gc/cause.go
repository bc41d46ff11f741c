package gc

import "fmt"

// Cause tells why a collection was requested
type Cause int

const (
	CauseAllocationFailure Cause = iota
	CauseExplicitRequest
	CauseHumongousAllocation
	CauseMetadataThreshold
	CauseDiagnostic
	CauseGCLocker
)

func (c Cause) String() string {
	switch c {
	case CauseAllocationFailure:
		return "Allocation Failure"
	case CauseExplicitRequest:
		return "Explicit Request"
	case CauseHumongousAllocation:
		return "Humongous Allocation"
	case CauseMetadataThreshold:
		return "Metadata Threshold"
	case CauseDiagnostic:
		return "Diagnostic"
	case CauseGCLocker:
		return "GCLocker Initiated GC"
	default:
		return fmt.Sprintf("Cause(%d)", int(c))
	}
}

// startsConcurrentCycle reports whether the cause asks for an initial-mark
// pause rather than a plain young pause
func (c Cause) startsConcurrentCycle() bool {
	switch c {
	case CauseMetadataThreshold, CauseDiagnostic, CauseHumongousAllocation:
		return true
	}
	return false
}
