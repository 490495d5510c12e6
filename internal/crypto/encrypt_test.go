package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestNewTokenEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		hexKey  string
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid 32-byte key",
			hexKey:  testKey,
			wantErr: false,
		},
		{
			name:    "empty key",
			hexKey:  "",
			wantErr: true,
			errMsg:  "encryption key is required",
		},
		{
			name:    "invalid hex",
			hexKey:  "not-hex-string",
			wantErr: true,
			errMsg:  "invalid encryption key: must be hex-encoded",
		},
		{
			name:    "too short key",
			hexKey:  "0123456789abcdef",
			wantErr: true,
			errMsg:  "must be 32 bytes",
		},
		{
			name:    "too long key",
			hexKey:  testKey + "0123456789abcdef",
			wantErr: true,
			errMsg:  "must be 32 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewTokenEncryptor(tt.hexKey)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Nil(t, enc)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, enc)
			}
		})
	}
}

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewTokenEncryptor(testKey)
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{
			name:      "access token",
			plaintext: "00Dxx0000001gEREAY!AQcAQH0dMHEXAMPLEtoken",
		},
		{
			name:      "long refresh token",
			plaintext: "5Aep8614iLM.Dq7ZVxl8T0BmS1dTEXAMPLE1234567890abcdefghijklmnopqrstuvwxyz_-1234567890",
		},
		{
			name:      "token with special chars",
			plaintext: "token/with+special=chars&more",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, nonce, err := enc.Encrypt(tt.plaintext)
			require.NoError(t, err)
			assert.NotEmpty(t, ciphertext)
			assert.NotEmpty(t, nonce)
			assert.NotEqual(t, []byte(tt.plaintext), ciphertext)

			decrypted, err := enc.Decrypt(ciphertext, nonce)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestEncryptProducesDifferentCiphertexts(t *testing.T) {
	enc, err := NewTokenEncryptor(testKey)
	require.NoError(t, err)

	plaintext := "same-token-value"

	ciphertext1, nonce1, err := enc.Encrypt(plaintext)
	require.NoError(t, err)
	ciphertext2, nonce2, err := enc.Encrypt(plaintext)
	require.NoError(t, err)

	// Random nonces mean identical plaintexts never repeat on the wire
	assert.NotEqual(t, nonce1, nonce2)
	assert.NotEqual(t, ciphertext1, ciphertext2)

	decrypted1, err := enc.Decrypt(ciphertext1, nonce1)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted1)

	decrypted2, err := enc.Decrypt(ciphertext2, nonce2)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted2)
}

// TestEncryptWithNonce_SharedNonceRoundTrips covers the paired-token case:
// access and refresh tokens stored in one row share a nonce.
func TestEncryptWithNonce_SharedNonceRoundTrips(t *testing.T) {
	enc, err := NewTokenEncryptor(testKey)
	require.NoError(t, err)

	accessCiphertext, nonce, err := enc.Encrypt("the-access-token")
	require.NoError(t, err)

	refreshCiphertext, err := enc.EncryptWithNonce("the-refresh-token", nonce)
	require.NoError(t, err)

	access, err := enc.Decrypt(accessCiphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, "the-access-token", access)

	refresh, err := enc.Decrypt(refreshCiphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, "the-refresh-token", refresh)
}

func TestEncryptWithNonce_RejectsBadNonce(t *testing.T) {
	enc, err := NewTokenEncryptor(testKey)
	require.NoError(t, err)

	_, err = enc.EncryptWithNonce("token", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce cannot be empty")

	_, err = enc.EncryptWithNonce("token", []byte{1, 2, 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid nonce size")
}

func TestDecryptWithWrongNonce(t *testing.T) {
	enc, err := NewTokenEncryptor(testKey)
	require.NoError(t, err)

	ciphertext, _, err := enc.Encrypt("secret-token")
	require.NoError(t, err)

	_, wrongNonce, err := enc.Encrypt("different-plaintext")
	require.NoError(t, err)

	_, err = enc.Decrypt(ciphertext, wrongNonce)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypt")
}

func TestDecryptWithWrongKey(t *testing.T) {
	enc1, err := NewTokenEncryptor(testKey)
	require.NoError(t, err)
	enc2, err := NewTokenEncryptor("fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210")
	require.NoError(t, err)

	ciphertext, nonce, err := enc1.Encrypt("secret-token")
	require.NoError(t, err)

	_, err = enc2.Decrypt(ciphertext, nonce)
	require.Error(t, err)
}

func TestEncryptEmptyPlaintext(t *testing.T) {
	enc, err := NewTokenEncryptor(testKey)
	require.NoError(t, err)

	_, _, err = enc.Encrypt("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plaintext cannot be empty")
}

func TestDecryptEmptyInputs(t *testing.T) {
	enc, err := NewTokenEncryptor(testKey)
	require.NoError(t, err)

	nonce := make([]byte, 12) // GCM standard nonce size
	_, err = enc.Decrypt(nil, nonce)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ciphertext cannot be empty")

	_, err = enc.Decrypt([]byte("some-ciphertext"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce cannot be empty")
}

func TestGenerateKey(t *testing.T) {
	key1, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, key1, 64) // 32 bytes = 64 hex chars

	key2, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, key1, key2)

	enc, err := NewTokenEncryptor(key1)
	require.NoError(t, err)
	assert.NotNil(t, enc)
}
