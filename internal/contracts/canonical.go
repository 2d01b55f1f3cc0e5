package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes v deterministically: every object is normalized to
// a map first so keys come out sorted at every nesting level, independent of
// struct field order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, fmt.Errorf("canonical normalize: %w", err)
	}
	out, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("canonical remarshal: %w", err)
	}
	return out, nil
}

// Fingerprint returns the sha256 of the canonical serialization of v.
func Fingerprint(v any) ([32]byte, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canon), nil
}

// HardwareProfileHash computes the hash published in telemetry and BIOS
// status: "sha256:" + hex over the canonical JSON of the profile and manifest
// wrapped under their canonical keys. BIOS and sim must agree on this value
// within one process generation.
func HardwareProfileHash(profile, manifest any) (string, error) {
	sum, err := Fingerprint(map[string]any{
		"hardware_profile":  profile,
		"hardware_manifest": manifest,
	})
	if err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// ContentMsgID derives a stable bus message id from payload bytes, for
// producers whose events have no external id. Dedup then collapses retries of
// the same logical event.
func ContentMsgID(subject string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
