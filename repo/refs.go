package repo

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/presto8/bup/errs"
	"github.com/presto8/bup/internal/gitobj"
	"github.com/presto8/bup/internal/sealed"
)

// opaqueType is the pack-object-kind tag stored alongside idx and refs
// payloads. Those files aren't made of typed git objects, so the tag
// carries no meaning beyond satisfying the envelope's per-object
// format; loadRefs and downloadIdx discard it when reading back.
const opaqueType byte = 0

// encodeRefs serializes the refs map as UTF-8 JSON of
// {refname_hex: oid_hex}, hex-encoding names so arbitrary ref bytes
// survive JSON's string encoding unambiguously.
func encodeRefs(refs map[string]gitobj.OID) ([]byte, error) {
	m := make(map[string]string, len(refs))
	for name, oid := range refs {
		m[hex.EncodeToString([]byte(name))] = oid.String()
	}
	return json.Marshal(m)
}

func decodeRefs(data []byte) (map[string]gitobj.OID, error) {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("repo: decode refs: %w", err)
	}
	refs := make(map[string]gitobj.OID, len(m))
	for nameHex, oidHex := range m {
		name, err := hex.DecodeString(nameHex)
		if err != nil {
			return nil, fmt.Errorf("repo: decode refs: bad ref name %q: %w", nameHex, err)
		}
		oid, err := gitobj.ParseOID(oidHex)
		if err != nil {
			return nil, fmt.Errorf("repo: decode refs: bad oid for %q: %w", nameHex, err)
		}
		refs[string(name)] = oid
	}
	return refs, nil
}

// loadRefs returns the current ref map and the raw encrypted blob it
// was decoded from (the latter is needed as the CAS "old content" for
// a later UpdateRef). An empty repository with no refs file yet
// returns an empty map and a nil blob.
func (r *Repository) loadRefs() (map[string]gitobj.OID, []byte, error) {
	blob, err := r.backend.ReadRefs()
	if err != nil {
		if errors.Is(err, errs.ErrFileNotFound) {
			return map[string]gitobj.OID{}, nil, nil
		}
		return nil, nil, err
	}
	rd, err := sealed.Open(bytes.NewReader(blob), "refs", r.keys)
	if err != nil {
		return nil, nil, err
	}
	_, payload, err := rd.ReadObject(0)
	if err != nil {
		return nil, nil, err
	}
	refs, err := decodeRefs(payload)
	if err != nil {
		return nil, nil, err
	}
	return refs, blob, nil
}

func (r *Repository) encodeRefsBlob(refs map[string]gitobj.OID) ([]byte, error) {
	payload, err := encodeRefs(refs)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := sealed.CreateSideFile(&buf, sealed.FileTypeConfig, r.keys, r.cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}
	if _, err := w.AppendObject(opaqueType, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UpdateRef performs the final compare-and-swap ref update of a save:
// it first drains all pending pack and idx writes (spec.md §4.9's "a
// commit cannot reach durable storage without all its reachable
// objects already being durable"), then swaps name from old to new,
// failing with errs.ErrFileModified if another writer raced it.
// old.Zero() means "name must not already exist".
func (r *Repository) UpdateRef(name string, newOID, old gitobj.OID) error {
	if err := r.FinishWriting(); err != nil {
		return err
	}
	refs, blob, err := r.loadRefs()
	if err != nil {
		return err
	}
	if cur := refs[name]; cur != old {
		return fmt.Errorf("repo: update ref %s: %w", name, errs.ErrFileModified)
	}
	refs[name] = newOID
	newBlob, err := r.encodeRefsBlob(refs)
	if err != nil {
		return err
	}
	return r.backend.WriteRefs(blob, newBlob)
}

// Refs returns every ref matching patterns (a ref matches a pattern
// if the pattern's slash-separated components equal the ref's
// trailing components), additionally restricted to refs/heads/ or
// refs/tags/ when requested. No patterns and no restriction returns
// every ref.
func (r *Repository) Refs(patterns []string, limitToHeads, limitToTags bool) (map[string]gitobj.OID, error) {
	refs, _, err := r.loadRefs()
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 && !limitToHeads && !limitToTags {
		return refs, nil
	}
	out := make(map[string]gitobj.OID)
	for name, oid := range refs {
		if limitToHeads && !strings.HasPrefix(name, "refs/heads/") {
			continue
		}
		if limitToTags && !strings.HasPrefix(name, "refs/tags/") {
			continue
		}
		if len(patterns) > 0 && !matchesAnyPattern(name, patterns) {
			continue
		}
		out[name] = oid
	}
	return out, nil
}

func matchesAnyPattern(name string, patterns []string) bool {
	parts := strings.Split(name, "/")
	for _, p := range patterns {
		pparts := strings.Split(p, "/")
		if len(pparts) > len(parts) {
			continue
		}
		tail := parts[len(parts)-len(pparts):]
		if strings.Join(tail, "/") == strings.Join(pparts, "/") {
			return true
		}
	}
	return false
}
