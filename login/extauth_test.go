package login

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeToken(t *testing.T, key ed25519.PrivateKey, payload ExtAuthPayload) string {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	signed := base64.RawURLEncoding.EncodeToString([]byte("1")) + "." +
		base64.RawURLEncoding.EncodeToString(body)
	sig := ed25519.Sign(key, []byte(signed))
	return signed + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func makeValidator(t *testing.T, group string) (*ExtAuthValidator, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	v, err := NewExtAuthValidator(base64.StdEncoding.EncodeToString(pub), group)
	require.NoError(t, err)
	return v, priv
}

func TestExtAuthValidate(t *testing.T) {
	v, priv := makeValidator(t, "")

	token := makeToken(t, priv, ExtAuthPayload{
		Username: "carol",
		UserID:   42,
		Flags:    []string{"MOD"},
		IssuedAt: 1700000000,
	})
	payload, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "carol", payload.Username)
	assert.Equal(t, "ext:42", payload.AuthID())
	assert.True(t, payload.HasFlag("mod"))
	assert.False(t, payload.HasFlag("host"))
}

func TestExtAuthRejections(t *testing.T) {
	v, priv := makeValidator(t, "")

	t.Run("Malformed", func(t *testing.T) {
		_, err := v.Validate("not-a-token")
		assert.ErrorIs(t, err, ErrBadToken)
	})

	t.Run("TamperedPayload", func(t *testing.T) {
		token := makeToken(t, priv, ExtAuthPayload{Username: "carol", UserID: 42})
		body := base64.RawURLEncoding.EncodeToString([]byte(`{"username":"admin","uid":1}`))
		tampered := base64.RawURLEncoding.EncodeToString([]byte("1")) + "." + body + "." +
			token[len(token)-86:]
		_, err := v.Validate(tampered)
		assert.ErrorIs(t, err, ErrBadSig)
	})

	t.Run("WrongKey", func(t *testing.T) {
		_, otherPriv := makeValidator(t, "")
		token := makeToken(t, otherPriv, ExtAuthPayload{Username: "carol", UserID: 42})
		_, err := v.Validate(token)
		assert.ErrorIs(t, err, ErrBadSig)
	})

	t.Run("WrongGroup", func(t *testing.T) {
		grouped, gpriv := makeValidator(t, "artclub")
		token := makeToken(t, gpriv, ExtAuthPayload{Username: "carol", UserID: 42})
		_, err := grouped.Validate(token)
		assert.ErrorIs(t, err, ErrWrongGroup)

		ok := makeToken(t, gpriv, ExtAuthPayload{Username: "carol", UserID: 42, Group: "artclub"})
		_, err = grouped.Validate(ok)
		assert.NoError(t, err)
	})

	t.Run("EmptyUsername", func(t *testing.T) {
		token := makeToken(t, priv, ExtAuthPayload{UserID: 42})
		_, err := v.Validate(token)
		assert.ErrorIs(t, err, ErrBadToken)
	})
}

func TestNewExtAuthValidatorBadKey(t *testing.T) {
	_, err := NewExtAuthValidator("%%%", "")
	assert.Error(t, err)

	_, err = NewExtAuthValidator(base64.StdEncoding.EncodeToString([]byte("short")), "")
	assert.Error(t, err)
}
