package hscodec

import "github.com/PythonRysh/espresso/hs/hsconsensus"

// ConsensusMessage is the single envelope for values
// broadcast between consensus participants.
// Exactly one field must be set.
//
// Quorum and timeout certificates have no variant here:
// a quorum certificate only travels embedded in a proposed block,
// and every participant assembles timeout certificates
// from the timeout proofs independently.
type ConsensusMessage struct {
	ProposedBlock *hsconsensus.ProposedBlock

	VoteProof    *hsconsensus.VoteSparseProof
	TimeoutProof *hsconsensus.TimeoutSparseProof
}
