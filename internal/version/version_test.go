package version

import "testing"

func TestInfoString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		info Info
		want string
	}{
		{name: "no commit", info: Info{Version: "dev"}, want: "dev"},
		{name: "short commit", info: Info{Version: "v1.0.0", Commit: "abc"}, want: "v1.0.0 (abc)"},
		{name: "long commit", info: Info{Version: "v1.0.0", Commit: "0123456789abcdef"}, want: "v1.0.0 (0123456)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.info.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetKeepsVersion(t *testing.T) {
	t.Parallel()

	if got := Get(); got.Version != Version {
		t.Fatalf("Get().Version = %q, want %q", got.Version, Version)
	}
}
