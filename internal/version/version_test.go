package version

import "testing"

func TestInfoString(t *testing.T) {
	cases := []struct {
		info Info
		want string
	}{
		{Info{Version: "dev"}, "dev"},
		{Info{Version: "v1.2.0", Commit: "abc123"}, "v1.2.0 (commit abc123)"},
		{Info{Version: "v1.2.0", Commit: "abc123", BuildTime: "2024-05-01"}, "v1.2.0 (commit abc123, built 2024-05-01)"},
	}
	for _, tc := range cases {
		if got := tc.info.String(); got != tc.want {
			t.Fatalf("String() = %q, want %q", got, tc.want)
		}
	}
}
