package network

import "fmt"

// TopologyError reports a boundary whose raw network cannot be repaired into
// a graph. It is never retried.
type TopologyError struct {
	BoundaryID int64
	FeatureID  string
	Reason     string
}

func (e *TopologyError) Error() string {
	if e.FeatureID == "" {
		return fmt.Sprintf("network: boundary %d: %s", e.BoundaryID, e.Reason)
	}
	return fmt.Sprintf("network: boundary %d: feature %s: %s", e.BoundaryID, e.FeatureID, e.Reason)
}
