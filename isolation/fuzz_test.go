package isolation

import "testing"

// FuzzParseRule checks that ParseRule never panics and only returns rules
// that validate.
func FuzzParseRule(f *testing.F) {
	seeds := []string{
		"example.com",
		"example.com:443",
		"192.0.2.1:53/udp",
		"198.51.100.0/24",
		"[2001:db8::1]:443/tcp",
		"",
		":",
		"host:99999",
		"a..b",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, s string) {
		r, err := ParseRule(s)
		if err != nil {
			return
		}
		if err := r.Validate(); err != nil {
			t.Fatalf("ParseRule(%q) = %+v, which fails Validate: %v", s, r, err)
		}
		_ = r.String()
	})
}
