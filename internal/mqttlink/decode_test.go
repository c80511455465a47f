package mqttlink

import (
	"testing"
	"time"
)

func TestScannerUUIDFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"room_presence/aa-bb-cc", "aa-bb-cc", true},
		{"room_presence/", "", false},
		{"room_presence", "", false},
		{"other/topic", "", false},
	}
	for _, tt := range tests {
		got, ok := scannerUUIDFromTopic(tt.topic)
		if got != tt.want || ok != tt.ok {
			t.Errorf("scannerUUIDFromTopic(%q) = (%q, %v), want (%q, %v)", tt.topic, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDeviceKeyNormalizesUUID(t *testing.T) {
	got := deviceKey("AA:BB:CC:DD:EE:FF")
	want := "aabbccddeeff"
	if got != want {
		t.Errorf("deviceKey() = %q, want %q", got, want)
	}
}

func TestDecodeScanDefaultsMissingRSSI(t *testing.T) {
	now := time.Unix(1000, 0)
	scan, err := decodeScan("scanner-1", []byte(`{"uuid":"AA:BB:CC:DD:EE:FF","name":"phone"}`), now)
	if err != nil {
		t.Fatalf("decodeScan() error = %v", err)
	}
	if scan.RSSI != -100 {
		t.Errorf("RSSI = %v, want -100", scan.RSSI)
	}
	if scan.DeviceKey != "aabbccddeeff" {
		t.Errorf("DeviceKey = %q, want aabbccddeeff", scan.DeviceKey)
	}
	if scan.ScannerUUID != "scanner-1" {
		t.Errorf("ScannerUUID = %q, want scanner-1", scan.ScannerUUID)
	}
	if !scan.When.Equal(now) {
		t.Errorf("When = %v, want %v", scan.When, now)
	}
}

func TestDecodeScanUsesProvidedRSSIAndWhen(t *testing.T) {
	scan, err := decodeScan("scanner-1", []byte(`{"uuid":"aa:bb","rssi":-55,"when":500}`), time.Now())
	if err != nil {
		t.Fatalf("decodeScan() error = %v", err)
	}
	if scan.RSSI != -55 {
		t.Errorf("RSSI = %v, want -55", scan.RSSI)
	}
	if !scan.When.Equal(time.Unix(500, 0)) {
		t.Errorf("When = %v, want unix 500", scan.When)
	}
}

func TestDecodeScanRejectsMissingUUID(t *testing.T) {
	if _, err := decodeScan("scanner-1", []byte(`{"rssi":-60}`), time.Now()); err == nil {
		t.Fatal("expected error for payload with no uuid")
	}
}

func TestDecodeScanRejectsInvalidJSON(t *testing.T) {
	if _, err := decodeScan("scanner-1", []byte(`not json`), time.Now()); err == nil {
		t.Fatal("expected error for invalid JSON payload")
	}
}
