package usbid

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `#
# List of USB ID's
#
# Syntax:
# vendor  vendor_name
#	device  device_name				<-- single tab
#		interface  interface_name		<-- two tabs

0781  SanDisk Corp.
	5567  Cruzer Blade
	5583  Ultra Fit
		00  Mass Storage
46f4  QEMU
	0001  QEMU USB HARDDRIVE
zzzz  Not hex
	1234  Orphan product
bad line
1209  Generic

# List of known device classes, subclasses and protocols
C 08  Mass Storage
	06  SCSI
		50  Bulk-Only
`

func TestParse(t *testing.T) {
	assert := require.New(t)

	db, err := Parse(strings.NewReader(sample))
	assert.NoError(err)

	assert.Equal("SanDisk Corp.", db.Vendor(0x0781))
	assert.Equal("Cruzer Blade", db.Product(0x0781, 0x5567))
	assert.Equal("Ultra Fit", db.Product(0x0781, 0x5583))
	assert.Equal("QEMU USB HARDDRIVE", db.Product(0x46F4, 0x0001))
	assert.Equal("Generic", db.Vendor(0x1209))

	assert.Empty(db.Product(0x0781, 0x0000), "interface lines are not products")
	assert.Empty(db.Vendor(0xFFFF))

	vendors, products := db.Len()
	assert.Equal(3, vendors, "class section and malformed lines are skipped")
	assert.Equal(3, products)
}

func TestNilDatabase(t *testing.T) {
	var db *Database
	require.Empty(t, db.Vendor(1))
	require.Empty(t, db.Product(1, 2))
	v, p := db.Len()
	require.Zero(t, v+p)
}

func TestOpen(t *testing.T) {
	assert := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "usb.ids")
	assert.NoError(os.WriteFile(path, []byte(sample), 0o644))

	db, err := Open(filepath.Join(dir, "missing.ids"), path)
	assert.NoError(err)
	assert.Equal("QEMU", db.Vendor(0x46F4))

	_, err = Open(filepath.Join(dir, "missing.ids"))
	assert.ErrorIs(err, fs.ErrNotExist)
}
