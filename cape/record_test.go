package cape_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/cape"
)

func TestRecordOpening_CommitmentBindsEveryField(t *testing.T) {
	t.Parallel()

	def, err := cape.NewAssetDefinition(
		cape.ForeignAssetCode([]byte("commitment test")),
		cape.AssetPolicy{Freezer: cape.UserAddress{9}},
	)
	require.NoError(t, err)

	base := cape.RecordOpening{
		Amount: 100,
		Asset:  def,
		Owner:  cape.UserAddress{1},
		Freeze: cape.Unfrozen,
		Blind:  cape.Blind{2},
	}
	c := base.Commitment()

	// Same opening, same commitment.
	require.Equal(t, c, base.Commitment())

	mutations := map[string]func(*cape.RecordOpening){
		"amount": func(ro *cape.RecordOpening) { ro.Amount++ },
		"asset":  func(ro *cape.RecordOpening) { ro.Asset = cape.NativeAssetDefinition() },
		"policy": func(ro *cape.RecordOpening) { ro.Asset.Policy.Reveal |= cape.RevealAmount },
		"owner":  func(ro *cape.RecordOpening) { ro.Owner = cape.UserAddress{3} },
		"freeze": func(ro *cape.RecordOpening) { ro.Freeze = cape.Frozen },
		"blind":  func(ro *cape.RecordOpening) { ro.Blind = cape.Blind{4} },
	}
	for name, mutate := range mutations {
		ro := base
		mutate(&ro)
		require.NotEqual(t, c, ro.Commitment(), "mutating %s did not change the commitment", name)
	}
}

func TestParseRecordCommitment(t *testing.T) {
	t.Parallel()

	c := cape.RecordOpening{
		Amount: 5,
		Asset:  cape.NativeAssetDefinition(),
		Owner:  cape.UserAddress{1},
		Blind:  cape.Blind{2},
	}.Commitment()

	back, err := cape.ParseRecordCommitment(c.String())
	require.NoError(t, err)
	require.Equal(t, c, back)

	_, err = cape.ParseRecordCommitment("3yZe7d")
	require.Error(t, err)

	_, err = cape.ParseRecordCommitment("not!base58")
	require.Error(t, err)
}
