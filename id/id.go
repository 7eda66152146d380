// Package id defines the basic opaque identifier types used throughout the
// SDK (user IDs, room IDs, event IDs, device IDs) and the helpers for
// parsing and validating Matrix identifier grammar and content URIs.
package id

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// UserID is a Matrix user ID, e.g. "@alice:example.org".
type UserID string

// RoomID is a Matrix room ID, e.g. "!abc123:example.org".
type RoomID string

// EventID is a Matrix event ID, e.g. "$abc123".
type EventID string

// DeviceID is an opaque per-device identifier chosen at login/registration.
type DeviceID string

// RoomAlias is a human-readable room alias, e.g. "#gophers:example.org".
type RoomAlias string

func (u UserID) String() string  { return string(u) }
func (r RoomID) String() string  { return string(r) }
func (e EventID) String() string { return string(e) }
func (d DeviceID) String() string { return string(d) }

// Localpart returns the part of the user ID before the colon, without the
// leading sigil.
func (u UserID) Localpart() string {
	local, _, _ := ParseUserID(u)
	return local
}

// Homeserver returns the domain part of the user ID.
func (u UserID) Homeserver() string {
	_, domain, _ := ParseUserID(u)
	return domain
}

// ParseUserID splits a user ID into its localpart and domain. It returns an
// error if the ID does not match the "@localpart:domain" grammar.
func ParseUserID(u UserID) (localpart, domain string, err error) {
	raw := string(u)
	if len(raw) == 0 || raw[0] != '@' {
		return "", "", fmt.Errorf("%w: user ID must start with '@'", ErrInvalidID)
	}
	idx := strings.IndexByte(raw, ':')
	if idx < 2 || idx == len(raw)-1 {
		return "", "", fmt.Errorf("%w: user ID must contain a domain after ':'", ErrInvalidID)
	}
	return raw[1:idx], raw[idx+1:], nil
}

// IsValidUserID reports whether id parses as a syntactically valid Matrix
// user ID, without allocating the parsed parts.
func IsValidUserID(id string) bool {
	_, _, err := ParseUserID(UserID(id))
	return err == nil
}

// IsValidRoomID reports whether id parses as a syntactically valid Matrix
// room ID ("!opaque:domain").
func IsValidRoomID(id string) bool {
	if len(id) == 0 || id[0] != '!' {
		return false
	}
	idx := strings.IndexByte(id, ':')
	return idx > 1 && idx < len(id)-1
}

// ErrInvalidID is wrapped by the errors ParseUserID and similar helpers
// return on malformed grammar.
var ErrInvalidID = fmt.Errorf("invalid matrix identifier")

// ContentURI is a "mxc://" content URI, e.g. "mxc://example.org/abc123".
type ContentURI struct {
	Homeserver string
	FileID     string
}

func (c ContentURI) IsValid() bool {
	return c.Homeserver != "" && c.FileID != ""
}

func (c ContentURI) String() string {
	if !c.IsValid() {
		return ""
	}
	return fmt.Sprintf("mxc://%s/%s", c.Homeserver, c.FileID)
}

// ParseContentURI parses a "mxc://host/id" string. An empty or malformed
// input yields a zero-value (invalid) ContentURI and a non-nil error.
func ParseContentURI(uri string) (ContentURI, error) {
	if !strings.HasPrefix(uri, "mxc://") {
		return ContentURI{}, fmt.Errorf("%w: content URI must start with mxc://", ErrInvalidID)
	}
	rest := uri[len("mxc://"):]
	idx := strings.IndexByte(rest, '/')
	if idx < 1 || idx == len(rest)-1 {
		return ContentURI{}, fmt.Errorf("%w: content URI must be mxc://host/id", ErrInvalidID)
	}
	return ContentURI{Homeserver: rest[:idx], FileID: rest[idx+1:]}, nil
}

// ParseOrEmpty parses uri and silently returns the zero value on failure,
// for call sites that only check IsValid() afterwards.
func ParseOrEmpty(uri string) ContentURI {
	parsed, _ := ParseContentURI(uri)
	return parsed
}

// MarshalJSON encodes c as its "mxc://" string form (or "" when invalid),
// so ContentURI can be embedded directly in wire/DB structs instead of
// every call site juggling a separate string field.
func (c ContentURI) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON parses a JSON string as a content URI, silently falling
// back to the zero value on malformed input (matching ParseOrEmpty).
func (c *ContentURI) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = ParseOrEmpty(s)
	return nil
}

// DownloadURL resolves the content URI into an HTTP download URL against
// the given homeserver base URL (e.g. "https://matrix.example.org").
func (c ContentURI) DownloadURL(homeserverBaseURL string) (string, error) {
	return c.mediaURL(homeserverBaseURL, "download", false, 0, 0, "")
}

// ThumbnailURL resolves the content URI into an HTTP thumbnail URL of the
// given dimensions and scaling method ("crop" or "scale").
func (c ContentURI) ThumbnailURL(homeserverBaseURL string, width, height int, method string) (string, error) {
	return c.mediaURL(homeserverBaseURL, "thumbnail", true, width, height, method)
}

func (c ContentURI) mediaURL(homeserverBaseURL, kind string, thumbnail bool, width, height int, method string) (string, error) {
	if !c.IsValid() {
		return "", fmt.Errorf("%w: cannot resolve an invalid content URI", ErrInvalidID)
	}
	base, err := url.Parse(homeserverBaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid homeserver URL: %w", err)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/_matrix/media/v3/" + kind + "/" + c.Homeserver + "/" + c.FileID
	if thumbnail {
		q := base.Query()
		if width > 0 {
			q.Set("width", fmt.Sprint(width))
		}
		if height > 0 {
			q.Set("height", fmt.Sprint(height))
		}
		if method != "" {
			q.Set("method", method)
		}
		base.RawQuery = q.Encode()
	}
	return base.String(), nil
}
