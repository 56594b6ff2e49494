// Package manifest reads the training-utterance manifest: one utterance per
// line, each line naming the raw audio source, its front-end configuration,
// and the word transcription reference.
package manifest

import (
	"bufio"
	"compress/gzip"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/spokenlab/amtrain/errors"
)

// Utterance is one line of the manifest.
type Utterance struct {
	Audio          string
	FrontEndConfig string
	Transcript     string
}

// ID is the utterance identifier used for partition bookkeeping and feature
// file naming: the audio basename without extension.
func (u Utterance) ID() string {
	base := filepath.Base(u.Audio)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Resolve anchors the utterance's relative paths at the data directory.
// Absolute manifest entries pass through unchanged.
func (u Utterance) Resolve(dataDir string) Utterance {
	return Utterance{
		Audio:          resolvePath(dataDir, u.Audio),
		FrontEndConfig: resolvePath(dataDir, u.FrontEndConfig),
		Transcript:     resolvePath(dataDir, u.Transcript),
	}
}

func resolvePath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Read loads a manifest, transparently decompressing a .gz file.
func Read(fs afero.Fs, path string) ([]Utterance, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening manifest %s", path)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "decompressing manifest %s", path)
		}
		defer gz.Close()
		r = gz
	}

	var utts []Utterance
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, errors.Errorf("manifest %s line %d: expected 3 fields, got %d", path, line, len(fields))
		}
		utts = append(utts, Utterance{
			Audio:          fields[0],
			FrontEndConfig: fields[1],
			Transcript:     fields[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading manifest %s", path)
	}
	return utts, nil
}

// ReadList loads a plain one-item-per-line list file (mfc.list and friends).
func ReadList(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening list %s", path)
	}
	defer f.Close()

	var items []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text != "" {
			items = append(items, text)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading list %s", path)
	}
	return items, nil
}

// WriteList writes a one-item-per-line list file.
func WriteList(fs afero.Fs, path string, items []string) error {
	var b strings.Builder
	for _, item := range items {
		b.WriteString(item)
		b.WriteByte('\n')
	}
	if err := afero.WriteFile(fs, path, []byte(b.String()), 0644); err != nil {
		return errors.Wrapf(err, "writing list %s", path)
	}
	return nil
}
