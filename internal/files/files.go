// Package files resolves task source references against the local
// filesystem and spools incoming upload bodies into the data directory.
package files

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/forkful/mediaqueue/internal/transfer"
)

// LocalSource implements transfer.FileSource over the filesystem.
type LocalSource struct{}

func (LocalSource) Stat(sourceRef string) (transfer.FileInfo, error) {
	info, err := os.Stat(sourceRef)
	if err != nil {
		if os.IsNotExist(err) {
			return transfer.FileInfo{}, nil
		}
		return transfer.FileInfo{}, err
	}
	return transfer.FileInfo{Size: info.Size(), Exists: true}, nil
}

func (LocalSource) Open(sourceRef string) (io.ReadCloser, error) {
	return os.Open(sourceRef)
}

// Spooled describes a request body persisted to the spool directory.
type Spooled struct {
	Path        string
	Size        int64
	ContentType string
	Filename    string
}

// Spool streams r into a file under dir, enforcing maxSize and sniffing the
// MIME type from the first bytes. The caller owns the resulting file.
func Spool(dir string, r io.Reader, maxSize int64, filename string) (*Spooled, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	discard := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			written += int64(n)
			if maxSize > 0 && written > maxSize {
				discard()
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", maxSize)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				discard()
				return nil, fmt.Errorf("write spool file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			discard()
			return nil, fmt.Errorf("read upload: %w", readErr)
		}
	}
	if written == 0 {
		discard()
		return nil, errors.New("empty file")
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("close spool file: %w", err)
	}
	if filename == "" {
		filename = filepath.Base(tmpFile.Name())
	}
	return &Spooled{
		Path:        tmpFile.Name(),
		Size:        written,
		ContentType: http.DetectContentType(sniff),
		Filename:    filename,
	}, nil
}
