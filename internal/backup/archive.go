package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/internal/lifecycle"
)

const (
	namePrefix     = "wireguard_backup_"
	nameSuffix     = ".tar.gz"
	nameTimeLayout = "20060102_150405"

	manifestEntry = "manifest.json"
	configEntry   = "wg0.conf"
	profilesDir   = "clients"

	manifestVersion = 1

	// maxArchiveBytes bounds the uncompressed size Restore will read.
	maxArchiveBytes = 64 << 20
)

var nameRE = regexp.MustCompile(`^wireguard_backup_\d{8}_\d{6}\.tar\.gz$`)

// Archive describes one backup file.
type Archive struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Entries   int       `json:"entries"`
}

// Name formats the archive name for t. Names sort in creation order.
func Name(t time.Time) string {
	return namePrefix + t.UTC().Format(nameTimeLayout) + nameSuffix
}

// ParseName validates an archive name and returns its creation time.
func ParseName(name string) (time.Time, error) {
	if !nameRE.MatchString(name) {
		return time.Time{}, apperr.Validation("%q is not a backup archive name", name)
	}
	ts := strings.TrimSuffix(strings.TrimPrefix(name, namePrefix), nameSuffix)
	return time.ParseInLocation(nameTimeLayout, ts, time.UTC)
}

type manifestFile struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Blake2b string `json:"blake2b"`
}

type manifest struct {
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	Files     []manifestFile `json:"files"`
}

type entry struct {
	path string
	data []byte
}

func sum(data []byte) string {
	h := blake2b.Sum256(data)
	return hex.EncodeToString(h[:])
}

// writeArchive streams a gzip tar of entries, manifest first.
func writeArchive(w io.Writer, created time.Time, entries []entry) error {
	m := &manifest{Version: manifestVersion, CreatedAt: created.UTC()}
	for _, e := range entries {
		m.Files = append(m.Files, manifestFile{Path: e.path, Size: int64(len(e.data)), Blake2b: sum(e.data)})
	}
	return writeWithManifest(w, m, entries)
}

func writeWithManifest(w io.Writer, m *manifest, entries []entry) error {
	mdata, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	write := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o600,
			Size:     int64(len(data)),
			ModTime:  m.CreatedAt,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}
	if err := write(manifestEntry, mdata); err != nil {
		return err
	}
	for _, e := range entries {
		if err := write(e.path, e.data); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperr.ErrArchiveCorrupt, fmt.Sprintf(format, args...))
}

// entryName validates an archive member path and returns the client name for
// profile entries.
func entryName(p string) (client string, err error) {
	if p == configEntry {
		return "", nil
	}
	dir, file := path.Split(p)
	if dir != profilesDir+"/" || !strings.HasSuffix(file, ".conf") {
		return "", corrupt("unexpected entry %q", p)
	}
	client = strings.TrimSuffix(file, ".conf")
	if err := lifecycle.ValidateName(client); err != nil {
		return "", corrupt("entry %q: %v", p, err)
	}
	return client, nil
}

// readArchive reads and verifies an archive: the manifest must come first,
// every listed file must be present exactly once with matching size and
// checksum, and nothing unlisted may appear.
func readArchive(r io.Reader) (*manifest, map[string][]byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, corrupt("gzip: %v", err)
	}
	defer gz.Close()
	tr := tar.NewReader(io.LimitReader(gz, maxArchiveBytes))

	var m *manifest
	files := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, corrupt("tar: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, nil, corrupt("entry %q is not a regular file", hdr.Name)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, nil, corrupt("reading %q: %v", hdr.Name, err)
		}
		if m == nil {
			if hdr.Name != manifestEntry {
				return nil, nil, corrupt("first entry is %q, want %s", hdr.Name, manifestEntry)
			}
			m = &manifest{}
			if err := json.Unmarshal(buf.Bytes(), m); err != nil {
				return nil, nil, corrupt("manifest: %v", err)
			}
			if m.Version != manifestVersion {
				return nil, nil, corrupt("manifest version %d", m.Version)
			}
			continue
		}
		if _, err := entryName(hdr.Name); err != nil {
			return nil, nil, err
		}
		if _, dup := files[hdr.Name]; dup {
			return nil, nil, corrupt("duplicate entry %q", hdr.Name)
		}
		files[hdr.Name] = buf.Bytes()
	}
	if m == nil {
		return nil, nil, corrupt("manifest missing")
	}

	listed := map[string]bool{}
	for _, f := range m.Files {
		data, ok := files[f.Path]
		if !ok {
			return nil, nil, corrupt("%q listed in manifest but missing", f.Path)
		}
		if int64(len(data)) != f.Size {
			return nil, nil, corrupt("%q is %d bytes, manifest says %d", f.Path, len(data), f.Size)
		}
		if sum(data) != f.Blake2b {
			return nil, nil, corrupt("%q checksum mismatch", f.Path)
		}
		listed[f.Path] = true
	}
	for p := range files {
		if !listed[p] {
			return nil, nil, corrupt("%q not listed in manifest", p)
		}
	}
	if _, ok := files[configEntry]; !ok {
		return nil, nil, corrupt("%s missing", configEntry)
	}
	return m, files, nil
}

// readManifest returns only the manifest, reading as little of the archive as it can.
func readManifest(r io.Reader) (*manifest, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	if err != nil {
		return nil, err
	}
	if hdr.Name != manifestEntry {
		return nil, fmt.Errorf("first entry is %q", hdr.Name)
	}
	m := &manifest{}
	if err := json.NewDecoder(io.LimitReader(tr, 1<<20)).Decode(m); err != nil {
		return nil, err
	}
	return m, nil
}
