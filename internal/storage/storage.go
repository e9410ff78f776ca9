// Package storage persists validated pieces to a single temp file
// sized to the whole torrent, then assembles the final output on
// Finish: a rename for single-file torrents, a sequential split into
// the declared paths for multi-file ones.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/avx7/torrentd/internal/metainfo"
)

// FileWriter implements the coordinator.Storage interface.
type FileWriter struct {
	folderDir   string
	tempPath    string
	tempHandle  *os.File
	pieceLength int64

	multiFile       bool
	finalSinglePath string
	files           []metainfo.FileEntry
}

// New creates <outputDir>/<folder>/<folder>.temp sized to the
// torrent's overall length and returns a FileWriter ready to accept
// pieces. folder is the torrent name with any trailing extension
// stripped for a single-file torrent (matching the rename target
// computed in Finish); multi-file torrents keep their name as-is.
func New(info *metainfo.Info, outputDir string) (*FileWriter, error) {
	multiFile := len(info.Files) > 1
	folder, finalName := folderAndFinalName(info.Name, multiFile)

	folderDir := filepath.Join(outputDir, folder)
	if err := os.MkdirAll(folderDir, 0755); err != nil {
		return nil, fmt.Errorf("storage: creating directory %s: %w", folderDir, err)
	}

	tempPath := filepath.Join(folderDir, folder+".temp")
	f, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", tempPath, err)
	}

	var overallLength int64
	for _, fe := range info.Files {
		overallLength += fe.Length
	}
	if err := f.Truncate(overallLength); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: truncating %s: %w", tempPath, err)
	}

	fw := &FileWriter{
		folderDir:   folderDir,
		tempPath:    tempPath,
		tempHandle:  f,
		pieceLength: int64(info.PieceLength),
		multiFile:   multiFile,
	}
	if multiFile {
		fw.files = info.Files
	} else {
		fw.finalSinglePath = filepath.Join(folderDir, finalName)
	}
	return fw, nil
}

// folderAndFinalName mirrors the Python original's folder-naming
// convention: a single-file torrent's working folder drops the
// trailing extension (so "movie.mkv" downloads into "movie/" as
// "movie.temp", then renames to "movie.mkv" on completion). A
// multi-file torrent's folder is its name unmodified.
func folderAndFinalName(name string, multiFile bool) (folder, final string) {
	if multiFile {
		return name, name
	}
	if dot := strings.LastIndex(name, "."); dot > 0 {
		return name[:dot], name
	}
	return name, name
}

// WritePiece writes a validated piece's bytes at their absolute
// offset in the temp file.
func (fw *FileWriter) WritePiece(pieceIndex int, data []byte) error {
	offset := int64(pieceIndex) * fw.pieceLength
	if _, err := fw.tempHandle.WriteAt(data, offset); err != nil {
		return fmt.Errorf("storage: writing piece %d: %w", pieceIndex, err)
	}
	return nil
}

// Finish closes the temp file and assembles the final output: a
// rename for a single-file torrent, or a sequential split into the
// declared file paths for a multi-file one.
func (fw *FileWriter) Finish() error {
	if err := fw.tempHandle.Close(); err != nil {
		return fmt.Errorf("storage: closing %s: %w", fw.tempPath, err)
	}

	if !fw.multiFile {
		if err := os.Rename(fw.tempPath, fw.finalSinglePath); err != nil {
			return fmt.Errorf("storage: renaming %s: %w", fw.tempPath, err)
		}
		return nil
	}
	return fw.splitIntoFiles()
}

// splitIntoFiles reads the temp file sequentially, writing each
// declared file's share of bytes to its own path, then removes the
// temp file.
func (fw *FileWriter) splitIntoFiles() error {
	r, err := os.Open(fw.tempPath)
	if err != nil {
		return fmt.Errorf("storage: reopening %s: %w", fw.tempPath, err)
	}
	defer r.Close()

	for _, fe := range fw.files {
		parts := append([]string{fw.folderDir}, fe.Path...)
		finalPath := filepath.Join(parts...)

		if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
			return fmt.Errorf("storage: creating directory for %s: %w", finalPath, err)
		}
		w, err := os.Create(finalPath)
		if err != nil {
			return fmt.Errorf("storage: creating %s: %w", finalPath, err)
		}
		if _, err := io.CopyN(w, r, fe.Length); err != nil {
			w.Close()
			return fmt.Errorf("storage: writing %s: %w", finalPath, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("storage: closing %s: %w", finalPath, err)
		}
	}

	return os.Remove(fw.tempPath)
}
