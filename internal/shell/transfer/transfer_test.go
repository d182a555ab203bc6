package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore/stevedore/internal/core/domain"
)

// fakeSession scripts the transfer and stat behavior of a remote host.
type fakeSession struct {
	written    int64
	copyErr    error
	remote     domain.RemoteFileInfo
	statErr    error
	transfers  int
	statCalls  int
	lastRemote string
}

func (f *fakeSession) TransferFile(_ context.Context, _, remotePath string) (int64, string, error) {
	f.transfers++
	f.lastRemote = remotePath
	return f.written, remotePath, f.copyErr
}

func (f *fakeSession) StatRemote(_ context.Context, remotePath string) (domain.RemoteFileInfo, error) {
	f.statCalls++
	if f.statErr != nil {
		return domain.RemoteFileInfo{Path: remotePath}, f.statErr
	}
	return f.remote, nil
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.yml")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestTransferWithVerification_Verified(t *testing.T) {
	local := writeTempFile(t, 1024)
	fake := &fakeSession{
		written: 1024,
		remote:  domain.RemoteFileInfo{Path: "/srv/app/artifact.yml", Exists: true, SizeBytes: 1024},
	}
	svc := NewService(fake, nil)

	result, err := svc.TransferWithVerification(context.Background(), local, "~/app/artifact.yml")

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Verified)
	assert.Equal(t, int64(1024), result.BytesTransferred)
	assert.Equal(t, 1, fake.transfers)
	assert.Equal(t, 1, fake.statCalls)
}

func TestTransferWithVerification_SizeMismatch(t *testing.T) {
	// The transport reported success but the remote file is short: the
	// truncated-upload field failure this service exists to catch.
	local := writeTempFile(t, 10_000)
	fake := &fakeSession{
		written: 10_000,
		remote:  domain.RemoteFileInfo{Path: "/srv/app/artifact.yml", Exists: true, SizeBytes: 9_000},
	}
	svc := NewService(fake, nil)

	result, err := svc.TransferWithVerification(context.Background(), local, "/srv/app/artifact.yml")

	require.ErrorIs(t, err, domain.ErrTransferNotVerified)
	assert.True(t, result.Success)
	assert.False(t, result.Verified)
	assert.Equal(t, int64(10_000), result.BytesTransferred)
}

func TestTransferWithVerification_RemoteFileMissing(t *testing.T) {
	local := writeTempFile(t, 64)
	fake := &fakeSession{
		written: 64,
		remote:  domain.RemoteFileInfo{Path: "/srv/app/artifact.yml", Exists: false},
	}
	svc := NewService(fake, nil)

	result, err := svc.TransferWithVerification(context.Background(), local, "/srv/app/artifact.yml")

	require.ErrorIs(t, err, domain.ErrTransferNotVerified)
	assert.False(t, result.Verified)
}

func TestTransferWithVerification_CopyFailureStillReportsBytes(t *testing.T) {
	local := writeTempFile(t, 2048)
	copyErr := errors.New("connection reset")
	fake := &fakeSession{
		written: 512,
		copyErr: copyErr,
		remote:  domain.RemoteFileInfo{Path: "/srv/app/artifact.yml", Exists: true, SizeBytes: 512},
	}
	svc := NewService(fake, nil)

	result, err := svc.TransferWithVerification(context.Background(), local, "/srv/app/artifact.yml")

	require.ErrorIs(t, err, copyErr)
	assert.False(t, result.Success)
	assert.False(t, result.Verified)
	assert.Equal(t, int64(512), result.BytesTransferred)
}

func TestTransferWithVerification_MissingLocalFile(t *testing.T) {
	fake := &fakeSession{}
	svc := NewService(fake, nil)

	_, err := svc.TransferWithVerification(context.Background(), "/nonexistent/file", "/srv/out")

	require.Error(t, err)
	assert.Zero(t, fake.transfers)
}

func TestTransferWithVerification_StatFailure(t *testing.T) {
	local := writeTempFile(t, 128)
	fake := &fakeSession{
		written: 128,
		statErr: errors.New("stat timed out"),
	}
	svc := NewService(fake, nil)

	result, err := svc.TransferWithVerification(context.Background(), local, "/srv/app/artifact.yml")

	require.ErrorContains(t, err, "verify")
	assert.True(t, result.Success)
	assert.False(t, result.Verified)
}
