package event

import "testing"

func TestIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   TargetEvent
		want string
	}{
		{"username wins", TargetEvent{Username: "@x", MessageLink: "https://t.me/c/1/2", SourceUserID: 9}, "@x"},
		{"link over numeric id", TargetEvent{MessageLink: "https://t.me/c/1/2", SourceUserID: 9}, "https://t.me/c/1/2"},
		{"numeric id last", TargetEvent{SourceUserID: 9}, "id:9"},
		{"fully anonymous has none", TargetEvent{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Identity(tt.ev); got != tt.want {
				t.Errorf("Identity = %q, want %q", got, tt.want)
			}
		})
	}
}
