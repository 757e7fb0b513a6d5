// Package bundle packs a frozen guest into the gzip-compressed tar archive the
// Vagrant libvirt provider imports as a box.
package bundle

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"boxforge/internal/logging"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Archive member names expected by the provider.
const (
	MetadataEntry   = "metadata.json"
	DefinitionEntry = "Vagrantfile"
	DiskEntry       = "box.img"
)

// Entry is one archive member, read from Path or taken from Data.
type Entry struct {
	Name string
	Path string
	Data []byte
}

// Write creates dest holding entries in the given order. dest is written
// through a temporary file so a failed run never leaves a truncated box
// behind under the final name.
func Write(dest string, entries []Entry) (err error) {
	if len(entries) == 0 {
		return errors.New("bundle needs at least one entry")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create bundle file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)

	var total int64
	for _, entry := range entries {
		n, err := writeEntry(tw, entry)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", entry.Name, err)
		}
		total += n
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close bundle file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move bundle into place: %w", err)
	}

	logging.Logger().Info("Bundle written",
		zap.String("path", dest),
		zap.Int("entries", len(entries)),
		zap.Int64("uncompressed_bytes", total))
	return nil
}

func writeEntry(tw *tar.Writer, entry Entry) (int64, error) {
	if entry.Path == "" {
		hdr := &tar.Header{
			Name:    entry.Name,
			Mode:    0o644,
			Size:    int64(len(entry.Data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return 0, err
		}
		n, err := tw.Write(entry.Data)
		return int64(n), err
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", entry.Path)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	hdr.Name = entry.Name
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	return io.Copy(tw, f)
}

// List returns the member names of the bundle at path, in archive order.
func List(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read gzip stream: %w", err)
	}
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar stream: %w", err)
		}
		names = append(names, hdr.Name)
	}
}
