package task

import "testing"

func TestFingerprintDeterministic(t *testing.T) {
	code := `async function main(i){ return {result: i.num1+i.num2}; }`
	in := []byte(`{"type":"object"}`)
	out := []byte(`{"type":"object"}`)

	a := Fingerprint(code, in, out)
	b := Fingerprint(code, in, out)
	if a != b {
		t.Fatalf("expected identical inputs to produce identical fingerprints, got %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected a 64-char hex SHA-256 digest, got %d chars", len(a))
	}
}

func TestFingerprintChangesWithCode(t *testing.T) {
	in := []byte(`{}`)
	out := []byte(`{}`)
	a := Fingerprint("async function main(i){ return 1; }", in, out)
	b := Fingerprint("async function main(i){ return 2; }", in, out)
	if a == b {
		t.Fatal("expected different code to produce different fingerprints")
	}
}

func TestFingerprintChangesWithSchemas(t *testing.T) {
	code := "async function main(i){ return i; }"
	a := Fingerprint(code, []byte(`{"type":"object"}`), []byte(`{}`))
	b := Fingerprint(code, []byte(`{"type":"array"}`), []byte(`{}`))
	if a == b {
		t.Fatal("expected different input schemas to produce different fingerprints")
	}
}

func TestTaskIsDeleted(t *testing.T) {
	var tk Task
	if tk.IsDeleted() {
		t.Fatal("a task with no DeletedAt must not report deleted")
	}
}
