package fingerprint

import (
	"strings"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`a\b\c`, "a/b/c"},
		{"a/b/", "a/b"},
		{"/", "/"},
		{"a//", "a"},
	}
	for _, c := range cases {
		if got := normalizePath(c.in); got != c.want {
			t.Errorf("normalizePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCanonicalizeSortsFilePaths(t *testing.T) {
	in := Inputs{FilePaths: []string{"b.go", "a.go", `c\d.go`}}
	out, err := Canonicalize(in)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := []string{"a.go", "b.go", "c/d.go"}
	if len(out.FilePaths) != len(want) {
		t.Fatalf("got %v, want %v", out.FilePaths, want)
	}
	for i := range want {
		if out.FilePaths[i] != want[i] {
			t.Errorf("index %d: got %q want %q", i, out.FilePaths[i], want[i])
		}
	}
}

func TestCanonicalizeArtifactRefRequiresIdentity(t *testing.T) {
	_, err := Canonicalize(Inputs{ArtifactRefs: []ArtifactRef{{Workspace: "ws"}}})
	if err != ErrArtifactRefMissingIdentity {
		t.Fatalf("got %v, want ErrArtifactRefMissingIdentity", err)
	}
}

func TestCanonicalizeDropsEmptyFields(t *testing.T) {
	out, err := Canonicalize(Inputs{})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	digest, err := InputsDigest(out)
	if err != nil {
		t.Fatalf("InputsDigest: %v", err)
	}
	if len(digest) != 64 {
		t.Fatalf("digest length = %d, want 64", len(digest))
	}
}

func TestInputsDigestIsLowerHex64(t *testing.T) {
	shapes := []Inputs{
		{},
		{RepoHash: "deadbeef"},
		{FilePaths: []string{"x.go"}},
		{ArtifactRefs: []ArtifactRef{{Name: "n", Workspace: "w"}}},
		{Params: map[string]interface{}{"a": 1, "b": []interface{}{1, 2, 3}}},
	}
	for _, s := range shapes {
		canon, err := Canonicalize(s)
		if err != nil {
			t.Fatalf("Canonicalize(%+v): %v", s, err)
		}
		digest, err := InputsDigest(canon)
		if err != nil {
			t.Fatalf("InputsDigest: %v", err)
		}
		if len(digest) != 64 {
			t.Errorf("digest %q: length %d, want 64", digest, len(digest))
		}
		if strings.ToLower(digest) != digest {
			t.Errorf("digest %q is not lowercase", digest)
		}
	}
}

func TestInputsDigestEquivalentFormsMatch(t *testing.T) {
	a := Inputs{
		FilePaths: []string{"b.go", "a.go"},
		Params:    map[string]interface{}{"x": 1, "y": 2},
	}
	b := Inputs{
		FilePaths: []string{`a.go`, "b.go/"},
		Params:    map[string]interface{}{"y": 2, "x": 1},
	}
	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatal(err)
	}
	da, _ := InputsDigest(ca)
	db, _ := InputsDigest(cb)
	if da != db {
		t.Fatalf("equivalent inputs produced different digests: %s vs %s", da, db)
	}
}

func TestInputsDigestChangesOnAnyLeafChange(t *testing.T) {
	base := Inputs{
		RepoHash:  "abc123",
		FilePaths: []string{"a.go"},
		Params:    map[string]interface{}{"x": 1},
	}
	baseCanon, _ := Canonicalize(base)
	baseDigest, _ := InputsDigest(baseCanon)

	variants := []Inputs{
		{RepoHash: "different", FilePaths: base.FilePaths, Params: base.Params},
		{RepoHash: base.RepoHash, FilePaths: []string{"b.go"}, Params: base.Params},
		{RepoHash: base.RepoHash, FilePaths: base.FilePaths, Params: map[string]interface{}{"x": 2}},
	}
	for i, v := range variants {
		canon, err := Canonicalize(v)
		if err != nil {
			t.Fatal(err)
		}
		d, _ := InputsDigest(canon)
		if d == baseDigest {
			t.Errorf("variant %d did not change digest", i)
		}
	}
}

func TestStepInstanceIDChangesOnAnyComponent(t *testing.T) {
	base := StepInstanceID("step1", "digest1", "model1", "v1", "p1")
	if len(base) != 64 {
		t.Fatalf("length = %d, want 64", len(base))
	}

	variants := map[string]string{
		"step_id":        StepInstanceID("step2", "digest1", "model1", "v1", "p1"),
		"inputs_digest":  StepInstanceID("step1", "digest2", "model1", "v1", "p1"),
		"model":          StepInstanceID("step1", "digest1", "model2", "v1", "p1"),
		"schema_version": StepInstanceID("step1", "digest1", "model1", "v2", "p1"),
		"prompt_version": StepInstanceID("step1", "digest1", "model1", "v1", "p2"),
	}
	for field, v := range variants {
		if v == base {
			t.Errorf("changing %s did not change step_instance_id", field)
		}
	}
}

func TestMatchFilePattern(t *testing.T) {
	ok, err := MatchFilePattern("**/*.go", "internal/pkg/file.go")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected match")
	}
	ok, err = MatchFilePattern("vendor/**", "internal/pkg/file.go")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no match")
	}
}
