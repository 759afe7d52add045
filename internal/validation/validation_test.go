package validation

import "testing"

func TestEmail(t *testing.T) {
	valid := []string{
		"user@example.com",
		"first.last@example.com",
		"user+tag@mail.example.co.uk",
		"u@d.io",
	}
	for _, email := range valid {
		if err := Email(email); err != nil {
			t.Errorf("Email(%q) = %v, want nil", email, err)
		}
	}

	invalid := []string{
		"",
		"noat",
		"@example.com",
		"user@",
		"user..dots@example.com",
		".leading@example.com",
		"user@-bad-.com",
		"user@" + string(make([]byte, 260)),
	}
	for _, email := range invalid {
		if err := Email(email); err == nil {
			t.Errorf("Email(%q) = nil, want error", email)
		}
	}
}

func TestEndpoint(t *testing.T) {
	if err := Endpoint("imap.example.com", 993); err != nil {
		t.Errorf("Endpoint = %v, want nil", err)
	}
	for _, tt := range []struct {
		host string
		port int
	}{
		{"imap.example.com", 0},
		{"imap.example.com", 70000},
		{"", 993},
		{"bad_host!", 993},
	} {
		if err := Endpoint(tt.host, tt.port); err == nil {
			t.Errorf("Endpoint(%q, %d) = nil, want error", tt.host, tt.port)
		}
	}
}
