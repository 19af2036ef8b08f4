package identity

import (
	"testing"
)

func TestNewDeviceID(t *testing.T) {
	id1, err := NewDeviceID()
	if err != nil {
		t.Fatalf("NewDeviceID() error = %v", err)
	}
	if id1.IsZero() {
		t.Error("generated ID is zero")
	}

	id2, err := NewDeviceID()
	if err != nil {
		t.Fatalf("NewDeviceID() second call error = %v", err)
	}
	if id1 == id2 {
		t.Error("two generated IDs are identical")
	}
}

func TestParseDeviceID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:    "valid lowercase",
			input:   "0123456789abcdef0123456789abcdef",
			wantErr: false,
		},
		{
			name:    "valid uppercase",
			input:   "0123456789ABCDEF0123456789ABCDEF",
			wantErr: false,
		},
		{
			name:    "with 0x prefix",
			input:   "0x0123456789abcdef0123456789abcdef",
			wantErr: false,
		},
		{
			name:    "with whitespace",
			input:   "  0123456789abcdef0123456789abcdef  ",
			wantErr: false,
		},
		{
			name:    "too short",
			input:   "0123456789abcdef",
			wantErr: true,
		},
		{
			name:    "too long",
			input:   "0123456789abcdef0123456789abcdef00",
			wantErr: true,
		},
		{
			name:    "invalid hex",
			input:   "zzzz456789abcdef0123456789abcdef",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDeviceID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseDeviceID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestDeviceID_RoundTrip(t *testing.T) {
	id, err := NewDeviceID()
	if err != nil {
		t.Fatalf("NewDeviceID() error = %v", err)
	}

	parsed, err := ParseDeviceID(id.String())
	if err != nil {
		t.Fatalf("ParseDeviceID() error = %v", err)
	}
	if parsed != id {
		t.Errorf("round trip mismatch: %s != %s", parsed, id)
	}
}

func TestLoadOrCreate(t *testing.T) {
	dir := t.TempDir()

	if Exists(dir) {
		t.Fatal("Exists() = true for empty dir")
	}

	id1, created, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if !created {
		t.Error("first LoadOrCreate did not create")
	}

	id2, created, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate() second call error = %v", err)
	}
	if created {
		t.Error("second LoadOrCreate created a new ID")
	}
	if id1 != id2 {
		t.Errorf("loaded ID %s differs from stored %s", id2, id1)
	}

	if !Exists(dir) {
		t.Error("Exists() = false after store")
	}
}

func TestStore_ZeroID(t *testing.T) {
	if err := ZeroID.Store(t.TempDir()); err == nil {
		t.Error("Store() accepted zero ID")
	}
}
