package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignedURLSignerGenerateAndParse(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, expiresAt, err := signer.Generate("batch-1", "print-batches/batch-1.pdf")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.False(t, expiresAt.IsZero())

	entityID, path, parsedExpiry, err := signer.Parse(token, false)
	require.NoError(t, err)
	require.Equal(t, "batch-1", entityID)
	require.Equal(t, "print-batches/batch-1.pdf", path)
	require.WithinDuration(t, expiresAt, parsedExpiry, time.Second)
}

func TestSignedURLSignerExpired(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Millisecond*10)
	token, _, err := signer.Generate("batch-1", "print-batches/batch-1.pdf")
	require.NoError(t, err)
	time.Sleep(time.Millisecond * 20)

	_, _, _, err = signer.Parse(token, false)
	require.Error(t, err)

	entityID, path, _, err := signer.Parse(token, true)
	require.NoError(t, err)
	require.Equal(t, "batch-1", entityID)
	require.Equal(t, "print-batches/batch-1.pdf", path)
}

func TestSignedURLSignerURL(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	url, err := signer.URL("/api/v1/", "cred-1", "credentials/cred-1.png")
	require.NoError(t, err)
	require.Contains(t, url, "/api/v1/files/cred-1.")

	_, err = NewSignedURLSigner("", time.Hour).URL("/api/v1", "cred-1", "x.png")
	require.Error(t, err)
}
