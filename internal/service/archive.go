package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/acqman/internal/model"
)

// archive copies the run dictionary, the journals, the operator input and
// the quench file of a finished worker into its output folder. Problems are
// reported to the operator, nothing is fatal.
func (m *Manager) archive(h *Handle) {
	folder := h.Folder()
	if folder == "" {
		// the handshake never got that far
		return
	}
	if info, err := os.Stat(folder); err != nil || !info.IsDir() {
		m.console.Status("Could not find the destination directory: " + folder)
		return
	}

	outLog, errLog := m.cfg.Journals(h.Job.Acquisition)
	files := []struct {
		path string
		what string
	}{
		{h.Job.RunDictionary, "acquisition"},
		{outLog, "output"},
		{errLog, "error"},
		{m.cfg.RunQueuePath(model.UserInputLog), "user input"},
	}
	if q := quenchPath(h.Job); q != "" {
		files = append(files, struct {
			path string
			what string
		}{q, "quench"})
	}

	for _, f := range files {
		if err := copyFile(f.path, filepath.Join(folder, filepath.Base(f.path))); err != nil {
			m.console.Status(fmt.Sprintf("Could not move the %s file %s to the directory %s", f.what, f.path, folder))
		}
	}
}

// quenchPath resolves a relative quench file against the run dictionary.
func quenchPath(job Job) string {
	if job.Quenches == "" || filepath.IsAbs(job.Quenches) {
		return job.Quenches
	}
	return filepath.Join(filepath.Dir(job.RunDictionary), job.Quenches)
}

// copyFile copies src to dst keeping the modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
