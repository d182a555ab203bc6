// Package transfer copies local artifacts to the remote host and proves
// they arrived intact. Transport tools can report success while truncating
// large files under bad network conditions, so the remote file's size is
// re-derived independently instead of trusting the copy call.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/stevedore/stevedore/internal/core/domain"
)

// Session is the slice of the session manager the transfer service needs.
type Session interface {
	TransferFile(ctx context.Context, localPath, remotePath string) (int64, string, error)
	StatRemote(ctx context.Context, remotePath string) (domain.RemoteFileInfo, error)
}

// Service performs verified file transfers over an established session.
type Service struct {
	session Session
	logger  *slog.Logger
}

// NewService creates a transfer service.
func NewService(session Session, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		session: session,
		logger:  logger.With("component", "transfer"),
	}
}

// TransferWithVerification copies the local file to the remote path, then
// independently checks the remote file's existence and size against the
// local size. Success reflects the copy call; Verified is set only when
// the post-copy check passed. Byte counts are reported even on failure.
// A size mismatch returns ErrTransferNotVerified regardless of the
// transport's own reported success; verification failures are fatal for
// the owning step.
func (s *Service) TransferWithVerification(ctx context.Context, localPath, remotePath string) (domain.TransferResult, error) {
	result := domain.TransferResult{}

	localInfo, err := os.Stat(localPath)
	if err != nil {
		return result, fmt.Errorf("stat local file %s: %w", localPath, err)
	}
	localSize := localInfo.Size()

	written, resolved, copyErr := s.session.TransferFile(ctx, localPath, remotePath)
	result.BytesTransferred = written
	result.Success = copyErr == nil

	remote, statErr := s.session.StatRemote(ctx, remotePath)
	if statErr == nil {
		result.Remote = remote
		result.Verified = remote.Exists && remote.SizeBytes == localSize
	} else {
		result.Remote = domain.RemoteFileInfo{Path: resolved}
	}

	if copyErr != nil {
		return result, fmt.Errorf("transfer %s: %w", localPath, copyErr)
	}
	if statErr != nil {
		return result, fmt.Errorf("verify %s: %w", remotePath, statErr)
	}
	if !result.Verified {
		return result, fmt.Errorf("%w: %s is %d bytes remotely, %d locally",
			domain.ErrTransferNotVerified, result.Remote.Path, remote.SizeBytes, localSize)
	}

	s.logger.Debug("transfer verified",
		"local", localPath,
		"remote", result.Remote.Path,
		"bytes", written,
	)
	return result, nil
}
