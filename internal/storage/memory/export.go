package memory

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/OCAP2/lockstep/internal/storage"
)

// FormatVersion is written to every export.
const FormatVersion = 1

// JournalExport is the root JSON structure
type JournalExport struct {
	Version int                  `json:"version"`
	Session storage.Session      `json:"session"`
	Turns   []storage.TurnRecord `json:"turns"`
}

// exportJSON writes the journal to OutputDir, gzipped if configured.
func (b *Backend) exportJSON() error {
	export := JournalExport{
		Version: FormatVersion,
		Session: *b.session,
		Turns:   b.turns,
	}
	if export.Turns == nil {
		export.Turns = []storage.TurnRecord{}
	}

	name := strings.NewReplacer(" ", "_", ":", "_", "/", "_").Replace(b.session.ID)
	timestamp := b.session.StartedAt.Format("20060102_150405")

	filename := fmt.Sprintf("%s_s%d_%s.json", name, b.session.Slot, timestamp)
	if b.cfg.CompressOutput {
		filename += ".gz"
	}
	outputPath := filepath.Join(b.cfg.OutputDir, filename)

	if err := os.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := writeExport(outputPath, export, b.cfg.CompressOutput); err != nil {
		return err
	}

	b.lastExportPath = outputPath
	return nil
}

func writeExport(path string, data JournalExport, compress bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	if compress {
		gzWriter := gzip.NewWriter(f)
		defer gzWriter.Close()
		w = gzWriter
	}

	return json.NewEncoder(w).Encode(data)
}

// ReadFile loads an exported journal. Files ending in .gz are decompressed.
func ReadFile(path string) (*storage.Session, []storage.TurnRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var export JournalExport
	if err := json.NewDecoder(r).Decode(&export); err != nil {
		return nil, nil, fmt.Errorf("decode journal: %w", err)
	}
	if export.Version != FormatVersion {
		return nil, nil, fmt.Errorf("unsupported journal version %d", export.Version)
	}
	return &export.Session, export.Turns, nil
}
