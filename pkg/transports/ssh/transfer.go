package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// TransferResult describes a completed upload.
type TransferResult struct {
	RemotePath       string
	BytesTransferred int64
	Checksum         string
	Duration         time.Duration
}

func (c *Client) sftpClient(op string) (*sftp.Client, error) {
	client, err := c.sshClient(op)
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	return sc, nil
}

// PushFile uploads localPath to remotePath with the given mode. The content is
// written to a temporary name next to remotePath, verified by SHA-256 and then
// renamed into place, so readers never see a partial file.
func (c *Client) PushFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) (*TransferResult, error) {
	start := time.Now()

	local, err := os.Open(localPath)
	if err != nil {
		return nil, &TransportError{Op: "push", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer local.Close()

	sc, err := c.sftpClient("push")
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &TransportError{Op: "push", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	tmp := path.Join(path.Dir(remotePath), ".keel-"+uuid.New().String()+".tmp")
	remote, err := sc.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return nil, &TransportError{Op: "push", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	cleanup := func() { _ = sc.Remove(tmp) }

	hash := sha256.New()
	n, err := copyWithContext(ctx, remote, io.TeeReader(local, hash))
	if cerr := remote.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return nil, &TransportError{Op: "push", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}
	sum := hex.EncodeToString(hash.Sum(nil))

	remoteSum, err := checksum(sc, tmp)
	if err != nil {
		cleanup()
		return nil, &TransportError{Op: "push", Err: err, IsTemporary: true}
	}
	if remoteSum != sum {
		cleanup()
		return nil, &TransportError{Op: "push", Err: fmt.Errorf("checksum mismatch for %s: local %s, remote %s", remotePath, sum, remoteSum), IsTemporary: true}
	}

	if err := sc.Chmod(tmp, mode); err != nil {
		cleanup()
		return nil, &TransportError{Op: "push", Err: fmt.Errorf("failed to set file mode: %w", err)}
	}
	if err := sc.PosixRename(tmp, remotePath); err != nil {
		cleanup()
		return nil, &TransportError{Op: "push", Err: fmt.Errorf("failed to move file into place: %w", err)}
	}

	res := &TransferResult{RemotePath: remotePath, BytesTransferred: n, Checksum: sum, Duration: time.Since(start)}
	log.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", n).
		Dur("duration", res.Duration).
		Msg("file pushed")
	return res, nil
}

// RemoveFile deletes a remote file. A missing file is not an error.
func (c *Client) RemoveFile(remotePath string) error {
	sc, err := c.sftpClient("remove")
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.Remove(remotePath); err != nil && !os.IsNotExist(err) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

func checksum(sc *sftp.Client, remotePath string) (string, error) {
	f, err := sc.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("failed to open remote file: %w", err)
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", fmt.Errorf("failed to read remote file: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// copyWithContext copies in chunks and stops when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
