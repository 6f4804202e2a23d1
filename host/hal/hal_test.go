package hal

import (
	"testing"
)

// =============================================================================
// SetupPacket Tests
// =============================================================================

func TestParseSetupPacket(t *testing.T) {
	data := []byte{
		0x80,       // RequestType (Device-to-Host, Standard, Device)
		0x06,       // Request (GET_DESCRIPTOR)
		0x00, 0x01, // Value (Device Descriptor)
		0x00, 0x00, // Index
		0x12, 0x00, // Length (18)
	}

	var setup SetupPacket
	if !ParseSetupPacket(data, &setup) {
		t.Fatal("ParseSetupPacket returned false")
	}

	if setup.RequestType != 0x80 {
		t.Errorf("RequestType = 0x%02X, want 0x80", setup.RequestType)
	}
	if setup.Request != 0x06 {
		t.Errorf("Request = 0x%02X, want 0x06", setup.Request)
	}
	if setup.Value != 0x0100 {
		t.Errorf("Value = 0x%04X, want 0x0100", setup.Value)
	}
	if setup.Index != 0x0000 {
		t.Errorf("Index = 0x%04X, want 0x0000", setup.Index)
	}
	if setup.Length != 0x0012 {
		t.Errorf("Length = 0x%04X, want 0x0012", setup.Length)
	}
}

func TestParseSetupPacket_TooShort(t *testing.T) {
	data := make([]byte, SetupPacketSize-1)
	var setup SetupPacket
	if ParseSetupPacket(data, &setup) {
		t.Error("ParseSetupPacket should return false for short data")
	}
}

func TestSetupPacket_MarshalTo(t *testing.T) {
	setup := SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Value:       0x0100,
		Index:       0x0409,
		Length:      0x00FF,
	}

	buf := make([]byte, SetupPacketSize)
	n := setup.MarshalTo(buf)

	if n != SetupPacketSize {
		t.Errorf("MarshalTo returned %d, want %d", n, SetupPacketSize)
	}

	expected := []byte{0x80, 0x06, 0x00, 0x01, 0x09, 0x04, 0xFF, 0x00}
	for i, b := range expected {
		if buf[i] != b {
			t.Errorf("buf[%d] = 0x%02X, want 0x%02X", i, buf[i], b)
		}
	}
}

func TestSetupPacket_MarshalTo_TooSmall(t *testing.T) {
	setup := SetupPacket{}
	buf := make([]byte, SetupPacketSize-1)

	n := setup.MarshalTo(buf)
	if n != 0 {
		t.Errorf("MarshalTo to small buffer returned %d, want 0", n)
	}
}

func TestSetupPacket_RoundTrip(t *testing.T) {
	original := SetupPacket{
		RequestType: 0x21,
		Request:     0x09,
		Value:       0x0200,
		Index:       0x0001,
		Length:      0x0008,
	}

	buf := make([]byte, SetupPacketSize)
	original.MarshalTo(buf)

	var parsed SetupPacket
	if !ParseSetupPacket(buf, &parsed) {
		t.Fatal("ParseSetupPacket returned false")
	}

	if parsed != original {
		t.Errorf("round-trip mismatch: got %+v, want %+v", parsed, original)
	}
}

// =============================================================================
// TransferType Tests
// =============================================================================

func TestTransferType_String(t *testing.T) {
	names := map[TransferType]string{
		TransferControl:     "control",
		TransferIsochronous: "isochronous",
		TransferBulk:        "bulk",
		TransferInterrupt:   "interrupt",
		TransferType(7):     "unknown",
	}
	for tt, want := range names {
		if got := tt.String(); got != want {
			t.Errorf("TransferType(%d).String() = %q, want %q", tt, got, want)
		}
	}
}

func TestTransferType_Values(t *testing.T) {
	if TransferControl != 0 {
		t.Errorf("TransferControl = %d, want 0", TransferControl)
	}
	if TransferIsochronous != 1 {
		t.Errorf("TransferIsochronous = %d, want 1", TransferIsochronous)
	}
	if TransferBulk != 2 {
		t.Errorf("TransferBulk = %d, want 2", TransferBulk)
	}
	if TransferInterrupt != 3 {
		t.Errorf("TransferInterrupt = %d, want 3", TransferInterrupt)
	}
}

// =============================================================================
// Direction Tests
// =============================================================================

func TestDirection_String(t *testing.T) {
	tests := []struct {
		dir      Direction
		expected string
	}{
		{DirectionOut, "out"},
		{DirectionIn, "in"},
		{DirectionBidirectional, "bidirectional"},
		{Direction(9), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.dir.String(); got != tt.expected {
			t.Errorf("Direction(%d).String() = %q, want %q", tt.dir, got, tt.expected)
		}
	}
}

func TestSetupPacket_IsIn(t *testing.T) {
	if !(&SetupPacket{RequestType: 0xA1}).IsIn() {
		t.Error("0xA1 should be device-to-host")
	}
	if (&SetupPacket{RequestType: 0x21}).IsIn() {
		t.Error("0x21 should be host-to-device")
	}
}

// =============================================================================
// DeviceAddress Tests
// =============================================================================

func TestDeviceAddress_Range(t *testing.T) {
	// Valid addresses are 0-127
	for i := 0; i <= 127; i++ {
		addr := DeviceAddress(i)
		if uint8(addr) != uint8(i) {
			t.Errorf("DeviceAddress(%d) = %d, want %d", i, addr, i)
		}
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkParseSetupPacket(b *testing.B) {
	data := []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	var setup SetupPacket

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ParseSetupPacket(data, &setup)
	}
}

func BenchmarkSetupPacket_MarshalTo(b *testing.B) {
	setup := SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Value:       0x0100,
		Index:       0x0000,
		Length:      0x0012,
	}
	buf := make([]byte, SetupPacketSize)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		setup.MarshalTo(buf)
	}
}
