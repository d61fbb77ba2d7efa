package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmerrifield20/auditledger/internal/canonical"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// maxMemberSize bounds a single file read from a zip bundle.
const maxMemberSize = 1 << 30

// zipEpoch is the modification time of every zip member, so that identical
// bundles produce identical archives.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

type file struct {
	name string
	data []byte
}

func (b *Bundle) files() ([]file, error) {
	lb, err := b.LedgerBytes()
	if err != nil {
		return nil, err
	}
	mb, err := b.MetadataBytes()
	if err != nil {
		return nil, err
	}
	return []file{
		{LedgerFile, lb},
		{MetadataFile, mb},
		{ChecksumFile, []byte(b.Checksum + "\n")},
	}, nil
}

// WriteDir writes the bundle's three files into dir, creating it if needed.
func (b *Bundle) WriteDir(dir string) error {
	files, err := b.files()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bundle directory: %w", err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}

// WriteZip writes the bundle as a zip archive with fixed member order and
// timestamps.
func (b *Bundle) WriteZip(w io.Writer) error {
	files, err := b.files()
	if err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	for _, f := range files {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.name,
			Method:   zip.Deflate,
			Modified: zipEpoch,
		})
		if err != nil {
			return fmt.Errorf("zip %s: %w", f.name, err)
		}
		if _, err := fw.Write(f.data); err != nil {
			return fmt.Errorf("zip %s: %w", f.name, err)
		}
	}
	return zw.Close()
}

// transport is the JSON form of a bundle.
type transport struct {
	Metadata json.RawMessage   `json:"bundle_metadata"`
	Ledger   []json.RawMessage `json:"ledger"`
	Checksum *string           `json:"bundle_checksum"`
}

// MarshalJSON encodes the bundle in its canonical JSON transport form.
func (b *Bundle) MarshalJSON() ([]byte, error) {
	lines := make([]any, 0, len(b.Records))
	for _, r := range b.Records {
		line, err := r.Canonical()
		if err != nil {
			return nil, fmt.Errorf("encode seq %d: %w", r.Seq, err)
		}
		lines = append(lines, json.RawMessage(line))
	}
	return canonical.Marshal(map[string]any{
		"bundle_metadata": b.Metadata.object(),
		"ledger":          lines,
		"bundle_checksum": b.Checksum,
	})
}

// Decode reads a bundle in JSON transport form.
func Decode(r io.Reader) (*Bundle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ReadError{Source: "json", Err: err}
	}
	return DecodeBytes(data)
}

// DecodeBytes parses a bundle in JSON transport form.
func DecodeBytes(data []byte) (*Bundle, error) {
	if !utf8.Valid(data) {
		return nil, &ReadError{Source: "json", Err: errors.New("invalid UTF-8")}
	}
	var t transport
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, &ReadError{Source: "json", Err: err}
	}
	return t.bundle()
}

func (t transport) bundle() (*Bundle, error) {
	if len(t.Metadata) == 0 || string(t.Metadata) == "null" {
		return nil, &ReadError{Source: "json", Err: errors.New("bundle_metadata is required")}
	}
	if t.Checksum == nil {
		return nil, &ReadError{Source: "json", Err: errors.New("bundle_checksum is required")}
	}
	if t.Ledger == nil {
		return nil, &ReadError{Source: "json", Err: errors.New("ledger is required")}
	}
	var meta Metadata
	if err := meta.UnmarshalJSON(t.Metadata); err != nil {
		return nil, &ReadError{Source: "json/bundle_metadata", Err: err}
	}
	records := make([]*ledger.Record, 0, len(t.Ledger))
	for i, raw := range t.Ledger {
		rec, err := ledger.ParseRecord(raw)
		if err != nil {
			return nil, &ReadError{Source: fmt.Sprintf("json/ledger[%d]", i), Err: err}
		}
		records = append(records, rec)
	}
	return &Bundle{Metadata: meta, Records: records, Checksum: *t.Checksum}, nil
}

// ReadDir reads a bundle directory.
func ReadDir(dir string) (*Bundle, error) {
	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, &ReadError{Source: dir, Err: err}
		}
		return data, nil
	}
	lb, err := read(LedgerFile)
	if err != nil {
		return nil, err
	}
	mb, err := read(MetadataFile)
	if err != nil {
		return nil, err
	}
	cb, err := read(ChecksumFile)
	if err != nil {
		return nil, err
	}
	return parseFiles(dir, lb, mb, cb)
}

// ReadZip reads a bundle archive. Members may sit under a single top-level
// directory.
func ReadZip(r io.ReaderAt, size int64, source string) (*Bundle, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, &ReadError{Source: source, Err: err}
	}
	found := make(map[string][]byte, 3)
	for _, f := range zr.File {
		name := filepath.Base(f.Name)
		if name != LedgerFile && name != MetadataFile && name != ChecksumFile {
			continue
		}
		if _, dup := found[name]; dup {
			return nil, &ReadError{Source: source, Err: fmt.Errorf("duplicate member %s", name)}
		}
		if f.UncompressedSize64 > maxMemberSize {
			return nil, &ReadError{Source: source, Err: fmt.Errorf("member %s too large", name)}
		}
		rc, err := f.Open()
		if err != nil {
			return nil, &ReadError{Source: source, Err: err}
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxMemberSize))
		rc.Close()
		if err != nil {
			return nil, &ReadError{Source: source + "/" + name, Err: err}
		}
		found[name] = data
	}
	for _, name := range []string{LedgerFile, MetadataFile, ChecksumFile} {
		if _, ok := found[name]; !ok {
			return nil, &ReadError{Source: source, Err: fmt.Errorf("missing member %s", name)}
		}
	}
	return parseFiles(source, found[LedgerFile], found[MetadataFile], found[ChecksumFile])
}

// Load reads a bundle from a directory, a .zip archive or a .json transport
// file.
func Load(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ReadError{Source: path, Err: err}
	}
	if info.IsDir() {
		return ReadDir(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ReadError{Source: path, Err: err}
	}
	if strings.EqualFold(filepath.Ext(path), ".zip") || bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return ReadZip(bytes.NewReader(data), int64(len(data)), path)
	}
	b, err := DecodeBytes(data)
	if err != nil {
		var re *ReadError
		if errors.As(err, &re) {
			re.Source = path + ":" + re.Source
		}
		return nil, err
	}
	return b, nil
}
