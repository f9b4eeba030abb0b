// Package cape implements the asset-policy execution layer:
// native, sponsored, and user-defined assets, record commitments,
// nullifiers, and the ledger state machine that applies ordered
// blocks of transactions against a versioned merkle tree.
//
// The package has no transport or consensus dependencies.
// The capeapp package bridges it to the consensus driver,
// and capewallet builds transactions against it.
package cape
