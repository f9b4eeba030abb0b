package hselink

import (
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// ProposedBlockFetcher is the engine's escape hatch for blocks
// it learns about indirectly:
// a certificate can arrive referencing a block hash
// the engine never saw proposed.
// Rather than rejecting the certificate, the engine requests the block.
type ProposedBlockFetcher struct {
	// FetchRequests is where the engine sends requests for missing blocks.
	// The fetch layer owns the receiving end.
	FetchRequests chan<- BlockFetchRequest

	// FetchedBlocks is where retrieved proposed blocks arrive.
	// Fetched blocks flow through the same verification
	// as blocks arriving by gossip.
	FetchedBlocks <-chan hsconsensus.ProposedBlock
}

// BlockFetchRequest identifies one missing block.
type BlockFetchRequest struct {
	// The view the block was reportedly proposed in.
	View uint64

	// Hash of the wanted block.
	BlockHash string
}
