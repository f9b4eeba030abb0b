package zerok

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mr-tron/base58"

	"github.com/PythonRysh/espresso/cape"
	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// GenesisDoc is the JSON document every node of a chain starts from.
// It fixes the chain ID, the initial validator set,
// and the ledger's initial assets and records.
type GenesisDoc struct {
	ChainID string `json:"chain_id"`

	Assets     []GenesisAsset     `json:"assets,omitempty"`
	Records    []GenesisRecord    `json:"records,omitempty"`
	Validators []GenesisValidator `json:"validators"`
}

// GenesisAsset registers one non-native asset at genesis.
type GenesisAsset struct {
	// Code is the base58 asset code.
	Code string `json:"code"`

	// Viewer and Freezer are base58 policy addresses; empty means none.
	Viewer  string `json:"viewer,omitempty"`
	Freezer string `json:"freezer,omitempty"`

	// Reveal is the bitmap of fields disclosed to the viewer.
	Reveal uint8 `json:"reveal,omitempty"`
}

// GenesisRecord seeds one spendable record, such as a faucet.
type GenesisRecord struct {
	Amount uint64 `json:"amount"`

	// Asset is the base58 code of a declared asset.
	// Empty means the native asset.
	Asset string `json:"asset,omitempty"`

	// Owner is the base58 address receiving the record.
	Owner string `json:"owner"`

	// Blind is the base58 blinding factor.
	// Must be published so the owner can reconstruct the opening.
	Blind string `json:"blind"`
}

// GenesisValidator grants one consensus key initial voting power.
type GenesisValidator struct {
	// PubKey is the hex form of the key in its registry encoding.
	PubKey string `json:"pub_key"`

	Power uint64 `json:"power"`
}

// LoadGenesisDoc reads and decodes the document at path.
func LoadGenesisDoc(path string) (*GenesisDoc, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var doc GenesisDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parsing genesis file %s: %w", path, err)
	}

	if doc.ChainID == "" {
		return nil, fmt.Errorf("genesis file %s missing chain_id", path)
	}
	if len(doc.Validators) == 0 {
		return nil, fmt.Errorf("genesis file %s declares no validators", path)
	}

	return &doc, nil
}

// Save writes the document to path, readable only by the owner.
func (d *GenesisDoc) Save(path string) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis doc: %w", err)
	}
	b = append(b, '\n')

	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}
	return nil
}

// CapeState translates the document into the ledger's genesis input.
func (d *GenesisDoc) CapeState() (*cape.GenesisState, error) {
	var gs cape.GenesisState

	defs := map[string]cape.AssetDefinition{}
	for i, a := range d.Assets {
		def, err := a.assetDefinition()
		if err != nil {
			return nil, fmt.Errorf("genesis asset %d: %w", i, err)
		}
		if _, dup := defs[a.Code]; dup {
			return nil, fmt.Errorf("genesis asset %d: duplicate code %s", i, a.Code)
		}
		defs[a.Code] = def
		gs.Assets = append(gs.Assets, def)
	}

	for i, r := range d.Records {
		asset := cape.NativeAssetDefinition()
		if r.Asset != "" {
			def, ok := defs[r.Asset]
			if !ok {
				return nil, fmt.Errorf("genesis record %d: undeclared asset %s", i, r.Asset)
			}
			asset = def
		}

		owner, err := decode32(r.Owner)
		if err != nil {
			return nil, fmt.Errorf("genesis record %d owner: %w", i, err)
		}
		blind, err := decode32(r.Blind)
		if err != nil {
			return nil, fmt.Errorf("genesis record %d blind: %w", i, err)
		}

		gs.Records = append(gs.Records, cape.RecordOpening{
			Amount: r.Amount,
			Asset:  asset,
			Owner:  cape.UserAddress(owner),
			Blind:  cape.Blind(blind),
		})
	}

	for i, val := range d.Validators {
		pub, err := decodeHex(val.PubKey)
		if err != nil {
			return nil, fmt.Errorf("genesis validator %d pub_key: %w", i, err)
		}
		if val.Power == 0 {
			return nil, fmt.Errorf("genesis validator %d has zero power", i)
		}
		gs.Validators = append(gs.Validators, cape.GenesisValidator{
			PubKey: pub,
			Power:  val.Power,
		})
	}

	return &gs, nil
}

// ConsensusGenesis translates the document into the engine's genesis.
// The state root is left nil; the application supplies it
// through the init chain exchange on first start.
func (d *GenesisDoc) ConsensusGenesis(
	reg *ecrypto.Registry, hs hsconsensus.HashScheme,
) (hsconsensus.Genesis, error) {
	vals := make([]hsconsensus.Validator, len(d.Validators))
	for i, val := range d.Validators {
		enc, err := decodeHex(val.PubKey)
		if err != nil {
			return hsconsensus.Genesis{}, fmt.Errorf("genesis validator %d pub_key: %w", i, err)
		}
		pub, err := reg.Unmarshal(enc)
		if err != nil {
			return hsconsensus.Genesis{}, fmt.Errorf("genesis validator %d pub_key: %w", i, err)
		}
		vals[i] = hsconsensus.Validator{PubKey: pub, Power: val.Power}
	}

	vs, err := hsconsensus.NewValidatorSet(vals, hs)
	if err != nil {
		return hsconsensus.Genesis{}, fmt.Errorf("building genesis validator set: %w", err)
	}

	return hsconsensus.Genesis{
		ChainID:       d.ChainID,
		InitialHeight: 1,
		InitialView:   1,
		ValidatorSet:  vs,
	}, nil
}

func (a GenesisAsset) assetDefinition() (cape.AssetDefinition, error) {
	code, err := decode32(a.Code)
	if err != nil {
		return cape.AssetDefinition{}, fmt.Errorf("code: %w", err)
	}

	var policy cape.AssetPolicy
	if a.Viewer != "" {
		v, err := decode32(a.Viewer)
		if err != nil {
			return cape.AssetDefinition{}, fmt.Errorf("viewer: %w", err)
		}
		policy.Viewer = cape.UserAddress(v)
	}
	if a.Freezer != "" {
		f, err := decode32(a.Freezer)
		if err != nil {
			return cape.AssetDefinition{}, fmt.Errorf("freezer: %w", err)
		}
		policy.Freezer = cape.UserAddress(f)
	}
	policy.Reveal = cape.RevealMap(a.Reveal)

	return cape.NewAssetDefinition(cape.AssetCode(code), policy)
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}
	return b, nil
}

func decode32(s string) ([32]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return [32]byte{}, fmt.Errorf("decoding base58: %w", err)
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("got %d bytes, want 32", len(b))
	}
	return [32]byte(b), nil
}
