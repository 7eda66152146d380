package crypt_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/hicore/crypt"
	"go.mau.fi/hicore/event"
)

func TestNoop_Disabled(t *testing.T) {
	var enc crypt.Encryption = crypt.Noop{}
	assert.False(t, enc.Enabled())
}

func TestNoop_DecryptToDeviceEventFails(t *testing.T) {
	enc := crypt.Noop{}
	_, err := enc.DecryptToDeviceEvent(context.Background(), &event.Event{})
	require.ErrorIs(t, err, crypt.ErrDisabled)
}

func TestNoop_DecryptFileFails(t *testing.T) {
	enc := crypt.Noop{}
	_, err := enc.DecryptFile(context.Background(), []byte("ciphertext"), event.EncryptedFile{})
	require.ErrorIs(t, err, crypt.ErrDisabled)
}

func TestNoop_LifecycleHooksAreNoops(t *testing.T) {
	enc := crypt.Noop{}
	require.NoError(t, enc.Init(context.Background(), ""))
	require.NoError(t, enc.OnSync(context.Background()))
	enc.Dispose()
	assert.Empty(t, enc.PickledOlmAccount())
	assert.Empty(t, enc.IdentityKey())
	assert.Empty(t, enc.FingerprintKey())
}

func TestNoop_SatisfiesEventDecryptor(t *testing.T) {
	var _ event.Decryptor = crypt.Noop{}
}
