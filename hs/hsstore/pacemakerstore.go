package hsstore

import (
	"context"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// PacemakerStore persists the pacemaker's position in the view sequence.
//
// The entry certificate is the timeout certificate that justified
// entering the current view, or nil if the view was entered
// on the strength of a quorum certificate.
// Keeping it lets a restarted node explain its view to peers
// without waiting for the network to time out again.
type PacemakerStore interface {
	SavePacemakerState(ctx context.Context, currentView uint64, entryTC *hsconsensus.SparseTimeoutCertificate) error

	// LoadPacemakerState returns zero values, not an error,
	// when nothing has been saved yet.
	LoadPacemakerState(ctx context.Context) (currentView uint64, entryTC *hsconsensus.SparseTimeoutCertificate, err error)
}
