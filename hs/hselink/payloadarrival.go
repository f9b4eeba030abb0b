package hselink

// PayloadArrival tells the engine that the payload
// referenced by a proposed block is now available locally.
//
// Proposals whose payload has not yet been disseminated are held
// without a vote; this signal releases them.
type PayloadArrival struct {
	// The view of the proposal waiting on the payload,
	// zero if the sender does not know it.
	View uint64

	// The payload identifier, matching the proposal's DataID bytes.
	// A string so lookup tables can key on it directly.
	DataID string
}
