package spawncmd

import (
	"reflect"
	"testing"
)

func TestArgvCanonicalForm(t *testing.T) {
	got := Argv("opencode", 4100, "/p/a")
	want := []string{"opencode", "serve", "--port", "4100", "--project", "/p/a"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Argv = %v, want %v", got, want)
	}
}

func TestBuildArgvReturnsDefensiveCopy(t *testing.T) {
	b := NewBuilder("opencode").WithArg("serve")
	a := b.BuildArgv()
	a[0] = "mutated"

	again := b.BuildArgv()
	if again[0] != "opencode" {
		t.Fatalf("mutating a BuildArgv result affected the builder: got %q", again[0])
	}
}

func TestWithStringFlagOmitsEmptyValue(t *testing.T) {
	got := NewBuilder("opencode").WithStringFlag("--project", "").BuildArgv()
	want := []string{"opencode"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("WithStringFlag(empty) = %v, want %v", got, want)
	}
}

func TestWithIntFlagAlwaysEmitted(t *testing.T) {
	got := NewBuilder("opencode").WithIntFlag("--port", 0).BuildArgv()
	want := []string{"opencode", "--port", "0"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("WithIntFlag(0) = %v, want %v", got, want)
	}
}

func TestCommandLineQuotesSpecialCharacters(t *testing.T) {
	got := CommandLine("opencode", 4100, "/p/it's a path")
	want := `'opencode' 'serve' '--port' '4100' '--project' '/p/it'\''s a path'`
	if got != want {
		t.Fatalf("CommandLine = %q, want %q", got, want)
	}
}
