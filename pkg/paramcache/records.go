package paramcache

import (
	"database/sql"

	"github.com/clogs-go/clogs/pkg/device"
)

// DeviceKey is the embeddable device-fingerprint portion of every cache
// key: two devices with the same fingerprint are assumed to admit the
// same optimal parameters.
type DeviceKey struct {
	PlatformName  string `clogs:"platform_name,text"`
	DeviceName    string `clogs:"device_name,text"`
	VendorID      uint32 `clogs:"device_vendor_id,int"`
	DriverVersion string `clogs:"driver_version,text"`
}

// NewDeviceKey derives a DeviceKey from a device fingerprint.
func NewDeviceKey(fp device.Fingerprint) DeviceKey {
	return DeviceKey{
		PlatformName:  fp.PlatformName,
		DeviceName:    fp.DeviceName,
		VendorID:      fp.VendorID,
		DriverVersion: fp.DriverVersion,
	}
}

const (
	SchemaVersionScan      = 1
	SchemaVersionReduce    = 1
	SchemaVersionRadixSort = 1
)

// ScanKey is the (device fingerprint, problem fingerprint) primary key for
// the scan parameter table.
type ScanKey struct {
	DeviceKey
	// ElementType is the canonicalized problem fingerprint: signed and
	// unsigned bases of the same width collapse to one representative,
	// since the scan kernels are bitwise identical.
	ElementType string `clogs:"element_type,text"`
}

// ScanRecord is the scan algorithm's tuned parameter record: {warp_size_mem,
// warp_size_schedule, reduce_wg, scan_wg, scan_work_scale, scan_blocks,
// program_binary}.
type ScanRecord struct {
	WarpSizeMem      int    `clogs:"warp_size_mem,int"`
	WarpSizeSchedule int    `clogs:"warp_size_schedule,int"`
	ReduceWG         int    `clogs:"reduce_wg,int"`
	ScanWG           int    `clogs:"scan_wg,int"`
	ScanWorkScale    int    `clogs:"scan_work_scale,int"`
	ScanBlocks       int    `clogs:"scan_blocks,int"`
	ProgramBinary    []byte `clogs:"program_binary,blob"`
}

// ReduceKey is the reduce algorithm's cache key. Reduce has no tunable
// block-count parameter of its own to fold into the key — its two-kernel
// algorithm is shaped entirely by workgroup size — so its key is the
// device/element fingerprint alone.
type ReduceKey struct {
	DeviceKey
	ElementType string `clogs:"element_type,text"`
}

// ReduceRecord is the reduce algorithm's tuned parameter record.
type ReduceRecord struct {
	WarpSizeMem      int    `clogs:"warp_size_mem,int"`
	WarpSizeSchedule int    `clogs:"warp_size_schedule,int"`
	ReduceWG         int    `clogs:"reduce_wg,int"`
	ReduceBlocks     int    `clogs:"reduce_blocks,int"`
	ProgramBinary    []byte `clogs:"program_binary,blob"`
}

// RadixSortKey is the radix-sort algorithm's cache key: device fingerprint
// plus the canonicalized key/value type pair and the requested radix_bits,
// since a different radix_bits selection is, in effect, a different
// problem.
type RadixSortKey struct {
	DeviceKey
	KeyType   string `clogs:"key_type,text"`
	ValueType string `clogs:"value_type,text"`
	RadixBits int    `clogs:"radix_bits,int"`
}

// RadixSortRecord is the radix-sort algorithm's tuned parameter record:
// {warp_size, reduce_wg, scan_wg, scatter_wg, scatter_work_scale,
// scan_blocks, radix_bits, program_binary}.
// radix_bits is carried in both the key (it selects the problem) and here
// (it is also a build-time constant baked into program_binary).
type RadixSortRecord struct {
	WarpSize         int    `clogs:"warp_size,int"`
	ReduceWG         int    `clogs:"reduce_wg,int"`
	ScanWG           int    `clogs:"scan_wg,int"`
	ScatterWG        int    `clogs:"scatter_wg,int"`
	ScatterWorkScale int    `clogs:"scatter_work_scale,int"`
	ScanBlocks       int    `clogs:"scan_blocks,int"`
	RadixBits        int    `clogs:"radix_bits,int"`
	ProgramBinary    []byte `clogs:"program_binary,blob"`
}

// OpenScanTable binds the scan algorithm's parameter table against db.
func OpenScanTable(db *sql.DB) *Table[ScanKey, ScanRecord] {
	return Open[ScanKey, ScanRecord](db, "scan", SchemaVersionScan)
}

// OpenReduceTable binds the reduce algorithm's parameter table against db.
func OpenReduceTable(db *sql.DB) *Table[ReduceKey, ReduceRecord] {
	return Open[ReduceKey, ReduceRecord](db, "reduce", SchemaVersionReduce)
}

// OpenRadixSortTable binds the radix-sort algorithm's parameter table
// against db.
func OpenRadixSortTable(db *sql.DB) *Table[RadixSortKey, RadixSortRecord] {
	return Open[RadixSortKey, RadixSortRecord](db, "radixsort", SchemaVersionRadixSort)
}
