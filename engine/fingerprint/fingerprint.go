// Package fingerprint computes deterministic idempotency fingerprints for
// workflow step inputs.
//
// A step's inputs are canonicalized into a stable shape, serialized with a
// stable stringify that never depends on map iteration order, and hashed with
// SHA-256. Two logically-equivalent input shapes (reordered object keys,
// differently-cased path separators, differently-ordered file or artifact
// lists) must canonicalize to byte-identical stable forms and therefore
// produce equal digests.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ArtifactRef identifies one artifact consumed as a step input, by either its
// id or its (workspace, name) address. At least one of Name or ID must be
// supplied by the caller; validated in Canonicalize.
type ArtifactRef struct {
	Workspace string `json:"workspace,omitempty"`
	Name      string `json:"name,omitempty"`
	ID        string `json:"id,omitempty"`
	Version   int    `json:"version,omitempty"`
}

// Inputs is the raw, caller-supplied shape of a step's inputs before
// canonicalization.
type Inputs struct {
	RepoHash     string                 `json:"repo_hash,omitempty"`
	ArtifactRefs []ArtifactRef          `json:"artifact_refs,omitempty"`
	FilePaths    []string               `json:"file_paths,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty"`
}

// ErrArtifactRefMissingIdentity is returned by Canonicalize when an
// ArtifactRef carries neither a Name nor an ID.
var ErrArtifactRefMissingIdentity = fmt.Errorf("artifact ref must carry name or id")

// Canonicalize normalizes raw Inputs per the canonicalization rules:
// empty arrays/objects and undefined fields are dropped, file paths are
// slash-normalized and sorted, artifact refs are sorted by
// (workspace, name-or-id), and params keys are recursively sorted (handled by
// StableStringify at hash time).
func Canonicalize(in Inputs) (Inputs, error) {
	out := Inputs{RepoHash: in.RepoHash}

	if len(in.FilePaths) > 0 {
		paths := make([]string, 0, len(in.FilePaths))
		for _, p := range in.FilePaths {
			paths = append(paths, normalizePath(p))
		}
		sort.Strings(paths)
		out.FilePaths = paths
	}

	if len(in.ArtifactRefs) > 0 {
		refs := make([]ArtifactRef, len(in.ArtifactRefs))
		copy(refs, in.ArtifactRefs)
		for _, r := range refs {
			if r.Name == "" && r.ID == "" {
				return Inputs{}, ErrArtifactRefMissingIdentity
			}
		}
		sort.Slice(refs, func(i, j int) bool {
			ki := refs[i].Workspace + "\x00" + refKey(refs[i])
			kj := refs[j].Workspace + "\x00" + refKey(refs[j])
			return ki < kj
		})
		out.ArtifactRefs = refs
	}

	if len(in.Params) > 0 {
		out.Params = in.Params
	}

	return out, nil
}

func refKey(r ArtifactRef) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// normalizePath converts backslashes to forward slashes and collapses
// trailing slashes, except for the root path itself. It never resolves "."
// or ".." segments — those are left verbatim so distinct logical paths never
// collide.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// MatchFilePattern reports whether the (already-normalized) path p matches a
// doublestar glob pattern. Used by callers that want to exclude
// workspace-relative paths (build output, vendor trees, ...) from a step's
// fingerprinted file list before calling Canonicalize; it is an enrichment
// on top of path normalization, not a replacement for it.
func MatchFilePattern(pattern, p string) (bool, error) {
	return doublestar.Match(pattern, path.Clean(normalizePath(p)))
}

// StableStringify renders v as canonical JSON text: object keys sorted
// alphabetically and emitted only when non-nil, array element order
// preserved with nil elements rendered as JSON null, and primitives rendered
// via ordinary JSON literal rules. It assumes the input has no circular
// references.
func StableStringify(v interface{}) string {
	var b strings.Builder
	writeStable(&b, v)
	return b.String()
}

func writeStable(b *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]interface{}:
		writeStableObject(b, t)
	case []interface{}:
		writeStableArray(b, t)
	default:
		writeJSONLiteral(b, v)
	}
}

func writeStableObject(b *strings.Builder, m map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONLiteral(b, k)
		b.WriteByte(':')
		writeStable(b, m[k])
	}
	b.WriteByte('}')
}

func writeStableArray(b *strings.Builder, arr []interface{}) {
	b.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		writeStable(b, v)
	}
	b.WriteByte(']')
}

func writeJSONLiteral(b *strings.Builder, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		// Only reachable for unsupported leaf types (channels, funcs); the
		// fingerprinted shapes are always JSON-serializable by contract.
		b.WriteString("null")
		return
	}
	b.Write(raw)
}

// InputsDigest computes the 64-char lowercase hex sha256 digest of the
// stable-stringified canonical inputs.
func InputsDigest(canonical Inputs) (string, error) {
	generic, err := toGenericShape(canonical)
	if err != nil {
		return "", err
	}
	stable := StableStringify(generic)
	sum := sha256.Sum256([]byte(stable))
	return hex.EncodeToString(sum[:]), nil
}

// StepInstanceID computes the 64-char lowercase hex sha256 digest of
// step_id, inputs_digest, model, schema_version and prompt_version joined by
// NUL bytes, stable across processes and runs for equivalent work.
func StepInstanceID(stepID, inputsDigest, model, schemaVersion, promptVersion string) string {
	h := sha256.New()
	h.Write([]byte(stepID))
	h.Write([]byte{0})
	h.Write([]byte(inputsDigest))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(schemaVersion))
	h.Write([]byte{0})
	h.Write([]byte(promptVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// toGenericShape converts a typed Inputs into the map[string]interface{} /
// []interface{} shape StableStringify expects, dropping empty
// arrays/objects and zero-value optional fields per the canonicalization
// rules.
func toGenericShape(in Inputs) (interface{}, error) {
	out := map[string]interface{}{}

	if in.RepoHash != "" {
		out["repo_hash"] = in.RepoHash
	}

	if len(in.ArtifactRefs) > 0 {
		refs := make([]interface{}, 0, len(in.ArtifactRefs))
		for _, r := range in.ArtifactRefs {
			refObj := map[string]interface{}{}
			if r.Workspace != "" {
				refObj["workspace"] = r.Workspace
			}
			if r.Name != "" {
				refObj["name"] = r.Name
			}
			if r.ID != "" {
				refObj["id"] = r.ID
			}
			if r.Version != 0 {
				refObj["version"] = float64(r.Version)
			}
			refs = append(refs, refObj)
		}
		out["artifact_refs"] = refs
	}

	if len(in.FilePaths) > 0 {
		paths := make([]interface{}, 0, len(in.FilePaths))
		for _, p := range in.FilePaths {
			paths = append(paths, p)
		}
		out["file_paths"] = paths
	}

	if len(in.Params) > 0 {
		params, err := toGenericValue(in.Params)
		if err != nil {
			return nil, err
		}
		out["params"] = params
	}

	if len(out) == 0 {
		return map[string]interface{}{}, nil
	}
	return out, nil
}

// toGenericValue round-trips v through JSON to obtain the
// map[string]interface{}/[]interface{}/primitive shape StableStringify
// operates on, so that arbitrary caller-supplied struct or map params
// canonicalize the same way regardless of their concrete Go type.
func toGenericValue(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}
