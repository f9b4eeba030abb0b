package hsdriver

// ProposalRequest is sent from the engine to the driver
// when the local validator is the leader of a view
// and needs payload content for its proposal.
type ProposalRequest struct {
	View   uint64
	Height uint64

	// Hash of the block the proposal will extend.
	ParentBlockHash []byte

	// Resp must be 1-buffered so the driver's send does not block.
	Resp chan ProposalResponse
}

// ProposalResponse is the driver's response to a [ProposalRequest].
type ProposalResponse struct {
	// Identifier of the assembled payload; opaque to consensus.
	// May be empty for a deliberately empty proposal.
	DataID []byte

	// Root of the newest application state the driver has applied.
	// Execution trails consensus, so this is typically the root of a
	// finalized ancestor rather than of the immediate parent.
	StateRoot []byte
}
