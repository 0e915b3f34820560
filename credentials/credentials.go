// Package credentials resolves the session cookie bundle used for upstream requests.
package credentials

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// SessionField is the cookie that identifies a logged-in viewer.
const SessionField = "sessionid"

// allowedFields lists cookie names kept from structured cookie exports.
var allowedFields = map[string]bool{
	"sessionid":  true,
	"ds_user_id": true,
	"csrftoken":  true,
	"mid":        true,
	"ig_did":     true,
	"ig_nrcb":    true,
	"rur":        true,
	"shbid":      true,
	"shbts":      true,
	"datr":       true,
}

// Tier names the source a bundle was resolved from.
type Tier string

const (
	TierOverride  Tier = "override"
	TierRawString Tier = "raw_cookie_string"
	TierEntries   Tier = "cookie_entries"
	TierSession   Tier = "session_field"
)

// Cookie is a single exported cookie.
type Cookie struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Sources holds every place credentials may come from, highest priority first.
type Sources struct {
	Override  string   // Environment supplied session token
	RawCookie string   // Pre-formatted "a=b; c=d" string
	Entries   []Cookie // Structured browser export
	SessionID string   // Bare session id from config
}

// Bundle is the resolved, read-only session material.
type Bundle struct {
	fields map[string]string
	Header string
	Tier   Tier
}

// Field returns a cookie value from the bundle.
func (b *Bundle) Field(name string) string {
	return b.fields[name]
}

// Fields returns a copy of the cookie map.
func (b *Bundle) Fields() map[string]string {
	return maps.Clone(b.fields)
}

// FieldNames returns the sorted cookie names, for logging without values.
func (b *Bundle) FieldNames() []string {
	return slices.Sorted(maps.Keys(b.fields))
}

// CredentialError indicates no source produced a usable session.
type CredentialError struct {
	Reason string
}

func (e *CredentialError) Error() string {
	return "no usable session credential: " + e.Reason
}

// IsCredentialError checks if an error is a CredentialError.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

// Resolve picks the first source that yields a session id. Sources are
// never merged. The override and the bare session field are used verbatim;
// blank values count as absent.
func Resolve(src Sources) (*Bundle, error) {
	if strings.TrimSpace(src.Override) != "" {
		return single(src.Override, TierOverride), nil
	}

	if b := fromRawString(src.RawCookie); b != nil {
		return b, nil
	}

	if b := fromEntries(src.Entries); b != nil {
		return b, nil
	}

	if strings.TrimSpace(src.SessionID) != "" {
		return single(src.SessionID, TierSession), nil
	}

	return nil, &CredentialError{Reason: fmt.Sprintf("none of override, raw cookie string, %d cookie entries or session field contained %q", len(src.Entries), SessionField)}
}

func single(sessionID string, tier Tier) *Bundle {
	return &Bundle{
		fields: map[string]string{SessionField: sessionID},
		Header: SessionField + "=" + sessionID,
		Tier:   tier,
	}
}

func fromRawString(raw string) *Bundle {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var parts []string
	fields := make(map[string]string)
	for seg := range strings.SplitSeq(raw, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		parts = append(parts, seg)
		name, value, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	if fields[SessionField] == "" {
		return nil
	}
	return &Bundle{fields: fields, Header: strings.Join(parts, "; "), Tier: TierRawString}
}

func fromEntries(entries []Cookie) *Bundle {
	if len(entries) == 0 {
		return nil
	}
	var parts []string
	fields := make(map[string]string)
	for _, c := range entries {
		name := strings.TrimSpace(c.Name)
		if !allowedFields[name] {
			continue
		}
		value := Normalize(c.Value)
		if value == "" {
			continue
		}
		if _, dup := fields[name]; dup {
			continue
		}
		fields[name] = value
		parts = append(parts, name+"="+value)
	}
	if fields[SessionField] == "" {
		return nil
	}
	return &Bundle{fields: fields, Header: strings.Join(parts, "; "), Tier: TierEntries}
}
