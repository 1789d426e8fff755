package paramcache

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/clogs-go/clogs/internal/clerr"
)

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestScanTableMissThenStoreThenHit(t *testing.T) {
	db := openMemDB(t)
	table := OpenScanTable(db)

	key := ScanKey{
		DeviceKey: DeviceKey{
			PlatformName:  "NVIDIA CUDA",
			DeviceName:    "GeForce RTX 4090",
			VendorID:      0x10de,
			DriverVersion: "550.54.14",
		},
		ElementType: "uint32",
	}

	_, err := table.Lookup(key)
	require.Error(t, err)
	require.True(t, errors.Is(err, clerr.ErrNotFound))

	record := ScanRecord{
		WarpSizeMem:      32,
		WarpSizeSchedule: 32,
		ReduceWG:         256,
		ScanWG:           256,
		ScanWorkScale:    4,
		ScanBlocks:       64,
		ProgramBinary:    []byte{0xde, 0xad, 0xbe, 0xef},
	}
	require.NoError(t, table.Store(key, record))

	got, err := table.Lookup(key)
	require.NoError(t, err)
	require.Equal(t, record, got)
}

func TestScanTableStoreReplacesExistingRow(t *testing.T) {
	db := openMemDB(t)
	table := OpenScanTable(db)

	key := ScanKey{
		DeviceKey: DeviceKey{
			PlatformName:  "Apple",
			DeviceName:    "Apple M2",
			VendorID:      0x1,
			DriverVersion: "1.0",
		},
		ElementType: "float",
	}

	first := ScanRecord{WarpSizeMem: 32, WarpSizeSchedule: 32, ReduceWG: 64, ScanWG: 64, ScanWorkScale: 1, ScanBlocks: 8, ProgramBinary: []byte("v1")}
	require.NoError(t, table.Store(key, first))

	second := first
	second.ReduceWG = 128
	second.ProgramBinary = []byte("v2")
	require.NoError(t, table.Store(key, second))

	got, err := table.Lookup(key)
	require.NoError(t, err)
	require.Equal(t, second, got)
}

func TestRadixSortTableDistinguishesRadixBits(t *testing.T) {
	db := openMemDB(t)
	table := OpenRadixSortTable(db)

	base := RadixSortKey{
		DeviceKey: DeviceKey{
			PlatformName:  "Intel",
			DeviceName:    "Iris Xe",
			VendorID:      0x8086,
			DriverVersion: "30.0",
		},
		KeyType:   "uint32",
		ValueType: "uint32",
	}

	four := base
	four.RadixBits = 4
	eight := base
	eight.RadixBits = 8

	require.NoError(t, table.Store(four, RadixSortRecord{RadixBits: 4, ScanBlocks: 16, ProgramBinary: []byte("r4")}))
	require.NoError(t, table.Store(eight, RadixSortRecord{RadixBits: 8, ScanBlocks: 16, ProgramBinary: []byte("r8")}))

	got4, err := table.Lookup(four)
	require.NoError(t, err)
	require.Equal(t, 4, got4.RadixBits)

	got8, err := table.Lookup(eight)
	require.NoError(t, err)
	require.Equal(t, 8, got8.RadixBits)
}

func TestDirHonorsEnvOverride(t *testing.T) {
	t.Setenv(cacheDirEnv, "/tmp/clogs-test-cache")
	dir, err := Dir()
	require.NoError(t, err)
	require.Equal(t, "/tmp/clogs-test-cache", dir)
}

func TestSharedIsSingletonAndResettable(t *testing.T) {
	t.Setenv(cacheDirEnv, t.TempDir())
	t.Cleanup(func() { _ = CloseForTest() })

	db1, err := Shared()
	require.NoError(t, err)
	db2, err := Shared()
	require.NoError(t, err)
	require.Same(t, db1, db2)

	require.NoError(t, CloseForTest())

	db3, err := Shared()
	require.NoError(t, err)
	require.NotSame(t, db1, db3)
}
