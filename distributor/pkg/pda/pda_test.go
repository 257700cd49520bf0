package pda

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

var testProgramID = solana.MustPublicKeyFromBase58("EuN6BXkDt6jqRfDBQ2ePW8PyvjvkDNyuGmAh5qrXHNFe")

func TestRelief_PDA_Derive_Deterministic(t *testing.T) {
	t.Parallel()

	d := NewDeriver(testProgramID)
	authority := solana.NewWallet().PublicKey()

	pool1, bump1, err := d.FundPool("flood-2026", "pool-1")
	require.NoError(t, err)
	pool2, bump2, err := d.FundPool("flood-2026", "pool-1")
	require.NoError(t, err)
	require.Equal(t, pool1, pool2)
	require.Equal(t, bump1, bump2)

	dist1, _, err := d.Distribution(authority, pool1)
	require.NoError(t, err)
	dist2, _, err := d.Distribution(authority, pool1)
	require.NoError(t, err)
	require.Equal(t, dist1, dist2)
}

func TestRelief_PDA_Derive_DistinctSeedsDistinctAddresses(t *testing.T) {
	t.Parallel()

	d := NewDeriver(testProgramID)

	a, _, err := d.FundPool("flood-2026", "pool-1")
	require.NoError(t, err)
	b, _, err := d.FundPool("flood-2026", "pool-2")
	require.NoError(t, err)
	c, _, err := d.FundPool("quake-2026", "pool-1")
	require.NoError(t, err)

	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, b, c)

	// Seed ordering matters: (x, y) and (y, x) must not collide.
	xy, _, err := Derive(testProgramID, KindFundPool, String("x"), String("y"))
	require.NoError(t, err)
	yx, _, err := Derive(testProgramID, KindFundPool, String("y"), String("x"))
	require.NoError(t, err)
	require.NotEqual(t, xy, yx)
}

func TestRelief_PDA_Derive_NoCollisionsAcrossRandomSeeds(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("skipping collision sweep in short mode")
	}

	const samples = 100_000

	rng := rand.New(rand.NewPCG(1, 2))
	seen := make(map[solana.PublicKey]string, samples)
	for i := 0; i < samples; i++ {
		disasterID := fmt.Sprintf("disaster-%d", rng.Uint64())
		poolID := fmt.Sprintf("pool-%d", i)
		addr, _, err := Derive(testProgramID, KindFundPool, String(disasterID), String(poolID))
		require.NoError(t, err)

		key := disasterID + "/" + poolID
		if prev, ok := seen[addr]; ok {
			t.Fatalf("collision: %s and %s derived the same address %s", prev, key, addr)
		}
		seen[addr] = key
	}
}

func TestRelief_PDA_Derive_SeedTooLong(t *testing.T) {
	t.Parallel()

	d := NewDeriver(testProgramID)

	_, _, err := d.Disaster(strings.Repeat("x", solana.MaxSeedLength+1))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSeedTooLong)

	// Boundary: exactly the limit is fine.
	_, _, err = d.Disaster(strings.Repeat("x", solana.MaxSeedLength))
	require.NoError(t, err)
}

func TestRelief_PDA_Derive_EmptySeedList(t *testing.T) {
	t.Parallel()

	d := NewDeriver(testProgramID)

	// Platform config is seeded by the kind tag alone.
	addr, _, err := d.PlatformConfig()
	require.NoError(t, err)
	require.False(t, addr.IsZero())
}

func TestRelief_PDA_Derive_KindNamespacesSeparate(t *testing.T) {
	t.Parallel()

	// Same seed under different kinds must land in different namespaces.
	a, _, err := Derive(testProgramID, KindDisaster, String("id-1"))
	require.NoError(t, err)
	b, _, err := Derive(testProgramID, KindFundPool, String("id-1"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestRelief_PDA_Derive_Int64SeedLittleEndian(t *testing.T) {
	t.Parallel()

	b := Int64(1).seedBytes()
	require.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, b)

	neg := Int64(-1).seedBytes()
	require.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, neg)
}

func TestRelief_PDA_Derive_ProgramScoped(t *testing.T) {
	t.Parallel()

	other := solana.NewWallet().PublicKey()
	a, _, err := Derive(testProgramID, KindDisaster, String("id-1"))
	require.NoError(t, err)
	b, _, err := Derive(other, KindDisaster, String("id-1"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
