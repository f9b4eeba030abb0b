package hspebble

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// The sparse certificate types are already wire forms,
// so the records embed them directly.
// Public keys are the one thing needing translation:
// they are interfaces in memory and registry-marshaled bytes on disk.

type proposedBlockRecord struct {
	Block     blockRecord
	Signature []byte
}

type blockRecord struct {
	Hash    []byte
	ChainID string
	View    uint64
	Height  uint64

	ParentHash []byte `msgpack:",omitempty"`

	// Registry-marshaled proposer key; empty on the genesis block.
	Proposer []byte `msgpack:",omitempty"`

	Justify *hsconsensus.SparseQuorumCertificate `msgpack:",omitempty"`

	DataID    []byte `msgpack:",omitempty"`
	StateRoot []byte `msgpack:",omitempty"`

	ValidatorPubKeyHash    []byte
	ValidatorVotePowerHash []byte
}

func encodeProposedBlock(reg *ecrypto.Registry, pb hsconsensus.ProposedBlock) ([]byte, error) {
	rec := proposedBlockRecord{
		Block: blockRecord{
			Hash:    pb.Block.Hash,
			ChainID: pb.Block.ChainID,
			View:    pb.Block.View,
			Height:  pb.Block.Height,

			ParentHash: pb.Block.ParentHash,

			Justify: pb.Block.Justify,

			DataID:    pb.Block.DataID,
			StateRoot: pb.Block.StateRoot,

			ValidatorPubKeyHash:    pb.Block.ValidatorPubKeyHash,
			ValidatorVotePowerHash: pb.Block.ValidatorVotePowerHash,
		},
		Signature: pb.Signature,
	}
	if pb.Block.Proposer != nil {
		rec.Block.Proposer = reg.Marshal(pb.Block.Proposer)
	}

	return msgpack.Marshal(rec)
}

func decodeProposedBlock(reg *ecrypto.Registry, v []byte) (hsconsensus.ProposedBlock, error) {
	var rec proposedBlockRecord
	if err := msgpack.Unmarshal(v, &rec); err != nil {
		return hsconsensus.ProposedBlock{}, err
	}

	b := hsconsensus.Block{
		Hash:    rec.Block.Hash,
		ChainID: rec.Block.ChainID,
		View:    rec.Block.View,
		Height:  rec.Block.Height,

		ParentHash: rec.Block.ParentHash,

		Justify: rec.Block.Justify,

		DataID:    rec.Block.DataID,
		StateRoot: rec.Block.StateRoot,

		ValidatorPubKeyHash:    rec.Block.ValidatorPubKeyHash,
		ValidatorVotePowerHash: rec.Block.ValidatorVotePowerHash,
	}
	if len(rec.Block.Proposer) > 0 {
		k, err := reg.Unmarshal(rec.Block.Proposer)
		if err != nil {
			return hsconsensus.ProposedBlock{}, fmt.Errorf("decoding proposer key: %w", err)
		}
		b.Proposer = k
	}

	return hsconsensus.ProposedBlock{Block: b, Signature: rec.Signature}, nil
}

type pacemakerRecord struct {
	CurrentView uint64
	EntryTC     *hsconsensus.SparseTimeoutCertificate `msgpack:",omitempty"`
}

type finalizationRecord struct {
	View      uint64
	BlockHash []byte

	Validators []validatorRecord

	StateRoot []byte
}

type validatorRecord struct {
	// Registry-marshaled public key.
	PubKey []byte

	Power uint64
}

func encodeFinalization(
	reg *ecrypto.Registry,
	view uint64,
	blockHash string,
	valSet hsconsensus.ValidatorSet,
	stateRoot string,
) ([]byte, error) {
	rec := finalizationRecord{
		View:      view,
		BlockHash: []byte(blockHash),

		Validators: make([]validatorRecord, len(valSet.Validators)),

		StateRoot: []byte(stateRoot),
	}
	for i, v := range valSet.Validators {
		rec.Validators[i] = validatorRecord{
			PubKey: reg.Marshal(v.PubKey),
			Power:  v.Power,
		}
	}

	return msgpack.Marshal(rec)
}

func decodeFinalization(reg *ecrypto.Registry, hs hsconsensus.HashScheme, v []byte) (
	view uint64,
	blockHash string,
	valSet hsconsensus.ValidatorSet,
	stateRoot string,
	err error,
) {
	var rec finalizationRecord
	if err := msgpack.Unmarshal(v, &rec); err != nil {
		return 0, "", hsconsensus.ValidatorSet{}, "", err
	}

	vals := make([]hsconsensus.Validator, len(rec.Validators))
	for i, vr := range rec.Validators {
		k, err := reg.Unmarshal(vr.PubKey)
		if err != nil {
			return 0, "", hsconsensus.ValidatorSet{}, "",
				fmt.Errorf("decoding validator %d key: %w", i, err)
		}
		vals[i] = hsconsensus.Validator{PubKey: k, Power: vr.Power}
	}

	// Rebuilding through the constructor restores the hash caches.
	vs, err := hsconsensus.NewValidatorSet(vals, hs)
	if err != nil {
		return 0, "", hsconsensus.ValidatorSet{}, "",
			fmt.Errorf("rebuilding validator set: %w", err)
	}

	return rec.View, string(rec.BlockHash), vs, string(rec.StateRoot), nil
}

func encodePubKeys(reg *ecrypto.Registry, keys []ecrypto.PubKey) ([]byte, error) {
	marshaled := make([][]byte, len(keys))
	for i, k := range keys {
		marshaled[i] = reg.Marshal(k)
	}
	return msgpack.Marshal(marshaled)
}

func decodePubKeys(reg *ecrypto.Registry, v []byte) ([]ecrypto.PubKey, error) {
	var marshaled [][]byte
	if err := msgpack.Unmarshal(v, &marshaled); err != nil {
		return nil, err
	}

	keys := make([]ecrypto.PubKey, len(marshaled))
	for i, m := range marshaled {
		k, err := reg.Unmarshal(m)
		if err != nil {
			return nil, fmt.Errorf("decoding key %d: %w", i, err)
		}
		keys[i] = k
	}
	return keys, nil
}
