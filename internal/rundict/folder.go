package rundict

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Folders creates the per-run output directories.
type Folders struct {
	Data   string
	Binary string
	Now    func() time.Time
}

// Output is the result of Folders.Make. Binary is empty unless requested.
type Output struct {
	Folder string
	Binary string
}

// Make creates "<yymmdd-HHMMSS> - <name> - <addon>" under the data root and
// optionally under the binary traces root with a "run parameters"
// subdirectory. Returned paths are absolute.
func (f Folders) Make(name, addon string, binary bool) (Output, error) {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	dirName := fmt.Sprintf("%s - %s - %s", now().Format("060102-150405"), name, addon)

	data, err := filepath.Abs(filepath.Join(f.Data, dirName))
	if err != nil {
		return Output{}, err
	}
	if err := os.Mkdir(data, 0o755); err != nil {
		return Output{}, fmt.Errorf("creating data folder: %w", err)
	}
	out := Output{Folder: data}

	if !binary {
		return out, nil
	}
	if f.Binary == "" {
		return out, fmt.Errorf("binary traces requested but no binary folder is configured")
	}
	bin, err := filepath.Abs(filepath.Join(f.Binary, dirName))
	if err != nil {
		return out, err
	}
	if err := os.MkdirAll(filepath.Join(bin, "run parameters"), 0o755); err != nil {
		return out, fmt.Errorf("creating binary folder: %w", err)
	}
	out.Binary = bin
	return out, nil
}
