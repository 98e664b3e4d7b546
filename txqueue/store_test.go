package txqueue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func storeEntry(chainID string, created time.Time) *QueuedTransaction {
	return &QueuedTransaction{
		ID:        uuid.New(),
		ChainID:   chainID,
		From:      "wm1qsender",
		To:        "wm1qreceiver",
		Value:     uint256.NewInt(1250),
		Nonce:     7,
		Data:      []byte{0xca, 0xfe},
		RawTx:     []byte("signed-bytes"),
		TxHash:    "0xfeed",
		Status:    StatusSigned,
		Attempts:  2,
		LastError: "rpc timeout",
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)
	defer store.Close()

	created := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	entry := storeEntry("eth-mainnet", created)
	require.NoError(t, store.Put(entry))

	loaded, errs := store.All()
	require.Empty(t, errs)
	require.Len(t, loaded, 1)

	got := loaded[0]
	require.Equal(t, entry.ID, got.ID)
	require.Equal(t, "eth-mainnet", got.ChainID)
	require.Equal(t, entry.From, got.From)
	require.Equal(t, entry.To, got.To)
	require.Equal(t, entry.Value.Hex(), got.Value.Hex())
	require.Equal(t, entry.Nonce, got.Nonce)
	require.Equal(t, entry.Data, got.Data)
	require.Equal(t, entry.RawTx, got.RawTx)
	require.Equal(t, entry.TxHash, got.TxHash)
	require.Equal(t, StatusSigned, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, "rpc timeout", got.LastError)
	require.True(t, got.CreatedAt.Equal(created))

	require.NoError(t, store.Delete(entry.ID))
	loaded, errs = store.All()
	require.Empty(t, errs)
	require.Empty(t, loaded)

	// Deleting an absent entry stays silent.
	require.NoError(t, store.Delete(uuid.New()))
}

func TestStoreOrdersByCreation(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	oldest := storeEntry("chain-a", base)
	middle := storeEntry("chain-b", base.Add(time.Minute))
	newest := storeEntry("chain-c", base.Add(2*time.Minute))

	// Insertion order must not matter.
	require.NoError(t, store.Put(newest))
	require.NoError(t, store.Put(oldest))
	require.NoError(t, store.Put(middle))

	loaded, errs := store.All()
	require.Empty(t, errs)
	require.Len(t, loaded, 3)
	require.Equal(t, oldest.ID, loaded[0].ID)
	require.Equal(t, middle.ID, loaded[1].ID)
	require.Equal(t, newest.ID, loaded[2].ID)
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")
	store, err := OpenStore(path)
	require.NoError(t, err)

	created := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	entry := storeEntry("eth-mainnet", created)
	require.NoError(t, store.Put(entry))
	require.NoError(t, store.Close())

	reopened, err := OpenStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, errs := reopened.All()
	require.Empty(t, errs)
	require.Len(t, loaded, 1)
	require.Equal(t, entry.ID, loaded[0].ID)
	require.Equal(t, StatusSigned, loaded[0].Status)
	require.Equal(t, []byte("signed-bytes"), loaded[0].RawTx)
}

func TestStoreRejectsEmptyPath(t *testing.T) {
	_, err := OpenStore("")
	require.Error(t, err)
	_, err = OpenStore("   ")
	require.Error(t, err)
}
