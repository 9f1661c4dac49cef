package sessionregistry

import "testing"

func TestKeyAppliesPrefix(t *testing.T) {
	r := &Registry{keyPrefix: "topic_mappings:"}
	if got := r.key("sess-123"); got != "topic_mappings:sess-123" {
		t.Fatalf("key() = %q, want %q", got, "topic_mappings:sess-123")
	}
}
