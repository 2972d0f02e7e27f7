package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushFile uploads a local file to a remote path via SFTP and verifies the
// remote SHA-256. A file that fails verification is removed.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sum, err := FileChecksum(localPath)
	if err != nil {
		return fmt.Errorf("checksum local: %w", err)
	}
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}

	remote, err := Output(client, "sha256sum "+ShellQuote([]string{remotePath})+" | cut -d' ' -f1")
	if err != nil {
		return fmt.Errorf("checksum remote: %w", err)
	}
	if remote != sum {
		_ = sf.Remove(remotePath)
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", remotePath, sum, remote)
	}
	return nil
}

// FileChecksum returns the hex SHA-256 of a file.
func FileChecksum(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
