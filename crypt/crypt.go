// Package crypt defines the Encryption capability the sync engine and
// client façade consume, and a disabled (Noop) implementation of it.
//
// Grounded on the teacher's matrix/crypto.go (the shape of the real olm
// machine: init from a pickled account, per-sync hook, to-device
// encrypt/decrypt, device one-time-key-count handling) and
// matrix/nocrypto.go (the `!cgo` no-op stub set). The real olm/megolm
// primitives matrix/crypto.go wires in (maunium.net/go/mautrix/crypto) are
// not present anywhere in the retrieval pack, so only the Noop side is
// implemented here; a real implementation would satisfy the same
// Encryption interface without changing any caller.
package crypt

import (
	"context"
	"encoding/json"

	"go.mau.fi/hicore/event"
	"go.mau.fi/hicore/id"
)

// DeviceOneTimeKeysCount is the per-algorithm one-time-key count reported
// in a /sync response's device_one_time_keys_count field.
type DeviceOneTimeKeysCount map[string]int

// EventUpdate is the narrow view of a timeline/state update Encryption
// needs to react to (e.g. to queue outbound key shares for new members).
type EventUpdate struct {
	RoomID id.RoomID
	Event  *event.Event
}

// Encryption is the capability the sync engine and client façade consume;
// the core treats the concrete olm/megolm machinery as a black box behind
// this interface.
type Encryption interface {
	// Init (re)initializes the subsystem, optionally resuming from a
	// previously pickled account blob.
	Init(ctx context.Context, pickledAccount string) error
	// Dispose releases any resources Init acquired.
	Dispose()

	// OnSync is called once per completed sync pass, after handle_sync's
	// bookkeeping but before the onSync broadcast.
	OnSync(ctx context.Context) error

	// Enabled reports whether encryption is actually usable (false for a
	// disabled build/config, in which case decrypt/encrypt calls fail).
	Enabled() bool

	// PickledOlmAccount returns the current account blob for persistence.
	PickledOlmAccount() string
	// IdentityKey is this device's Curve25519 identity key.
	IdentityKey() string
	// FingerprintKey is this device's Ed25519 fingerprint (signing) key.
	FingerprintKey() string

	DecryptToDeviceEvent(ctx context.Context, evt *event.Event) (*event.Event, error)
	EncryptToDeviceMessage(ctx context.Context, devices map[id.UserID][]id.DeviceID, eventType string, msg json.RawMessage) (map[id.UserID]map[id.DeviceID]json.RawMessage, error)
	HandleToDeviceEvent(ctx context.Context, evt *event.Event) error
	// HandleEventUpdate decrypts an m.room.encrypted room event in place:
	// update.Event is the same pointer the sync engine holds, and a
	// megolm-capable implementation rewrites its Type/Content (and clears
	// Unsigned's encryption-related fields) to the plaintext event rather
	// than returning a new one, so the caller's existing reference becomes
	// the decrypted event with no further plumbing. A disabled/no-op
	// implementation leaves update.Event untouched and returns nil.
	HandleEventUpdate(ctx context.Context, update EventUpdate) error
	HandleDeviceOneTimeKeysCount(ctx context.Context, counts DeviceOneTimeKeysCount) error

	// DecryptFile satisfies event.Decryptor so Event.Download can decrypt
	// m.encrypted_file attachments without depending on this package.
	DecryptFile(ctx context.Context, ciphertext []byte, envelope event.EncryptedFile) ([]byte, error)
}

var _ event.Decryptor = Encryption(nil)
