package storage

import "testing"

func TestParseMACAlgorithm(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    MACAlgorithm
		wantErr bool
	}{
		{"empty means none", "", MACNone, false},
		{"hmac-sha-1", "hmac-sha-1", MACHMACSHA1, false},
		{"hmac-sha-256", "hmac-sha-256", MACHMACSHA256, false},
		{"unknown algorithm", "hmac-md5", MACNone, true},
		{"case sensitive", "HMAC-SHA-1", MACNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMACAlgorithm(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMACAlgorithm(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMACAlgorithm(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
