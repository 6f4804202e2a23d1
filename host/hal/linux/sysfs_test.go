package linux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// Path Helpers
// =============================================================================

func TestFormatDevfsPath(t *testing.T) {
	tests := []struct {
		busNum   uint8
		devNum   uint8
		expected string
	}{
		{1, 1, "/dev/bus/usb/001/001"},
		{1, 123, "/dev/bus/usb/001/123"},
		{12, 34, "/dev/bus/usb/012/034"},
		{255, 255, "/dev/bus/usb/255/255"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.expected, formatDevfsPath(DevfsUSBPath, tt.busNum, tt.devNum))
	}
}

func TestParseSpeed(t *testing.T) {
	tests := []struct {
		input    string
		expected Speed
	}{
		{"1.5", SpeedLow},
		{"12", SpeedFull},
		{"480", SpeedHigh},
		{"5000", SpeedSuper},
		{"10000", SpeedSuper},
		{"", SpeedUnknown},
		{"invalid", SpeedUnknown},
	}
	for _, tt := range tests {
		require.Equal(t, tt.expected, parseSpeed(tt.input), tt.input)
	}
	require.Equal(t, "480M", SpeedHigh.String())
	require.Equal(t, "unknown", Speed(9).String())
}

// =============================================================================
// Sysfs Scanning
// =============================================================================

// writeAttrs creates dir and one file per attribute.
func writeAttrs(t *testing.T, dir string, attrs map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, value := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644))
	}
}

// fakeSysfs lays out a mass-storage device, a HID device, a root hub and a
// directory without device numbers.
func fakeSysfs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	writeAttrs(t, filepath.Join(root, "2-1"), map[string]string{
		"busnum":       "2",
		"devnum":       "7",
		"idVendor":     "46f4",
		"idProduct":    "0001",
		"bDeviceClass": "00",
		"speed":        "480",
		"manufacturer": "QEMU",
		"product":      "QEMU USB HARDDRIVE",
	})
	storage := filepath.Join(root, "2-1", "2-1:1.0")
	writeAttrs(t, storage, map[string]string{
		"bInterfaceNumber":   "00",
		"bInterfaceClass":    "08",
		"bInterfaceSubClass": "06",
		"bInterfaceProtocol": "50",
	})
	require.NoError(t, os.Symlink("../../../bus/usb/drivers/usb-storage", filepath.Join(storage, "driver")))

	writeAttrs(t, filepath.Join(root, "1-1.2"), map[string]string{
		"busnum":    "1",
		"devnum":    "3",
		"idVendor":  "046d",
		"idProduct": "c077",
		"speed":     "12",
	})
	writeAttrs(t, filepath.Join(root, "1-1.2", "1-1.2:1.0"), map[string]string{
		"bInterfaceNumber": "00",
		"bInterfaceClass":  "03",
	})

	writeAttrs(t, filepath.Join(root, "usb1"), map[string]string{"busnum": "1", "devnum": "1"})
	writeAttrs(t, filepath.Join(root, "3-1"), map[string]string{"idVendor": "1234"})
	return root
}

func TestScanDevices(t *testing.T) {
	assert := require.New(t)

	devices, err := ScanDevices(fakeSysfs(t))
	assert.NoError(err)
	assert.Len(devices, 2)

	hid := devices[0]
	assert.Equal(uint8(1), hid.Bus)
	assert.Equal(uint8(3), hid.DevNum)
	assert.Equal("/dev/bus/usb/001/003", hid.DevfsPath)
	assert.Equal(SpeedFull, hid.Speed)
	assert.Empty(hid.Product)

	disk := devices[1]
	assert.Equal(uint16(0x46F4), disk.VendorID)
	assert.Equal(uint16(0x0001), disk.ProductID)
	assert.Equal(SpeedHigh, disk.Speed)
	assert.Equal("QEMU", disk.Manufacturer)
	assert.Equal("QEMU USB HARDDRIVE", disk.Product)
	assert.Equal([]InterfaceInfo{{
		Number:   0,
		Class:    0x08,
		SubClass: 0x06,
		Protocol: 0x50,
		Driver:   "usb-storage",
	}}, disk.Interfaces)
}

func TestFindDevices(t *testing.T) {
	assert := require.New(t)
	root := fakeSysfs(t)

	found, err := FindDevices(root, 0x08)
	assert.NoError(err)
	assert.Len(found, 1)
	assert.Equal(uint8(7), found[0].DevNum)

	found, err = FindDevices(root, 0xFF)
	assert.NoError(err)
	assert.Empty(found)

	_, err = FindDevices(filepath.Join(root, "missing"), 0x08)
	assert.ErrorIs(err, os.ErrNotExist)
}

func TestParseDeviceRequiresNumbers(t *testing.T) {
	root := fakeSysfs(t)
	_, err := ParseDevice(filepath.Join(root, "3-1"))
	require.Error(t, err)
}
