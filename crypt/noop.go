package crypt

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mau.fi/hicore/event"
	"go.mau.fi/hicore/id"
)

// ErrDisabled is returned by every Noop operation that would otherwise
// touch key material.
var ErrDisabled = fmt.Errorf("encryption is disabled")

// Noop is the disabled Encryption implementation, mirroring the teacher's
// matrix/nocrypto.go stubs: every call that would touch key material
// fails, and Enabled always reports false.
type Noop struct{}

var _ Encryption = Noop{}

func (Noop) Init(ctx context.Context, pickledAccount string) error { return nil }
func (Noop) Dispose()                                              {}
func (Noop) OnSync(ctx context.Context) error                      { return nil }
func (Noop) Enabled() bool                                         { return false }
func (Noop) PickledOlmAccount() string                             { return "" }
func (Noop) IdentityKey() string                                   { return "" }
func (Noop) FingerprintKey() string                                { return "" }

func (Noop) DecryptToDeviceEvent(ctx context.Context, evt *event.Event) (*event.Event, error) {
	return nil, ErrDisabled
}

func (Noop) EncryptToDeviceMessage(ctx context.Context, devices map[id.UserID][]id.DeviceID, eventType string, msg json.RawMessage) (map[id.UserID]map[id.DeviceID]json.RawMessage, error) {
	return nil, ErrDisabled
}

func (Noop) HandleToDeviceEvent(ctx context.Context, evt *event.Event) error { return nil }
func (Noop) HandleEventUpdate(ctx context.Context, update EventUpdate) error { return nil }
func (Noop) HandleDeviceOneTimeKeysCount(ctx context.Context, counts DeviceOneTimeKeysCount) error {
	return nil
}

func (Noop) DecryptFile(ctx context.Context, ciphertext []byte, envelope event.EncryptedFile) ([]byte, error) {
	return nil, ErrDisabled
}
