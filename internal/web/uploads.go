package web

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leonletto/delegate/internal/paths"
)

// Upload limits.
const (
	maxUploadFileBytes  = 50 << 20  // per file
	maxUploadTotalBytes = 200 << 20 // per request
)

// allowedUploadTypes maps extensions to the MIME prefix they must declare.
var allowedUploadTypes = map[string]string{
	".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	".gif": "image/gif", ".webp": "image/webp", ".svg": "image/svg+xml",
	".pdf": "application/pdf", ".txt": "text/plain", ".md": "text/plain",
	".csv": "text/csv", ".json": "application/json", ".zip": "application/zip",
	".log": "text/plain", ".yaml": "text/plain", ".yml": "text/plain",
}

// handleUpload stores multipart files under teams/<uuid>/uploads/YYYY/MM/,
// enforcing per-file and aggregate size limits and extension/MIME agreement.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	_, teamUUID, ok := s.resolveTeam(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadTotalBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}

	now := time.Now().UTC()
	dir := paths.UploadsDir(s.Home, teamUUID, now.Format("2006"), now.Format("01"))
	if err := os.MkdirAll(dir, 0750); err != nil {
		writeStoreError(w, err)
		return
	}

	var total int64
	type stored struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
		URL  string `json:"url"`
	}
	var results []stored

	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			if fh.Size > maxUploadFileBytes {
				writeError(w, http.StatusBadRequest,
					fmt.Sprintf("%s exceeds the %d MB per-file limit", fh.Filename, maxUploadFileBytes>>20))
				return
			}
			total += fh.Size
			if total > maxUploadTotalBytes {
				writeError(w, http.StatusBadRequest,
					fmt.Sprintf("upload exceeds the %d MB aggregate limit", maxUploadTotalBytes>>20))
				return
			}

			name := sanitizeFilename(fh.Filename)
			ext := strings.ToLower(filepath.Ext(name))
			wantMIME, ok := allowedUploadTypes[ext]
			if !ok {
				writeError(w, http.StatusBadRequest, "file type not allowed: "+ext)
				return
			}
			declared := fh.Header.Get("Content-Type")
			if declared != "" && !strings.HasPrefix(declared, wantMIME) &&
				!strings.HasPrefix(declared, "application/octet-stream") {
				writeError(w, http.StatusBadRequest,
					fmt.Sprintf("%s: declared type %s does not match extension %s", name, declared, ext))
				return
			}

			src, err := fh.Open()
			if err != nil {
				writeStoreError(w, err)
				return
			}
			dstPath := uniquePath(filepath.Join(dir, name))
			dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600) //nolint:gosec // G304 - sanitized name under uploads dir
			if err != nil {
				_ = src.Close()
				writeStoreError(w, err)
				return
			}
			written, err := io.Copy(dst, io.LimitReader(src, maxUploadFileBytes+1))
			_ = src.Close()
			_ = dst.Close()
			if err != nil || written > maxUploadFileBytes {
				_ = os.Remove(dstPath)
				writeError(w, http.StatusBadRequest, "upload failed for "+name)
				return
			}

			results = append(results, stored{
				Name: filepath.Base(dstPath),
				Size: written,
				URL: fmt.Sprintf("/teams/%s/uploads/%s/%s/%s",
					r.PathValue("team"), now.Format("2006"), now.Format("01"), filepath.Base(dstPath)),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": results})
}

// handleServeUpload serves a stored file with sniffing disabled. Images and
// PDFs render inline; everything else downloads. SVG gets a no-script CSP
// since it can embed script.
func (s *Server) handleServeUpload(w http.ResponseWriter, r *http.Request) {
	_, teamUUID, ok := s.resolveTeam(w, r)
	if !ok {
		return
	}
	year, month, file := r.PathValue("year"), r.PathValue("month"), r.PathValue("file")
	if !validRelPath(file) || strings.ContainsRune(file, os.PathSeparator) {
		writeError(w, http.StatusForbidden, "invalid file name")
		return
	}
	path := filepath.Join(paths.UploadsDir(s.Home, teamUUID, year, month), file)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "upload not found")
		return
	}

	ext := strings.ToLower(filepath.Ext(file))
	ctype := mime.TypeByExtension(ext)
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("X-Content-Type-Options", "nosniff")

	inline := strings.HasPrefix(ctype, "image/") || ctype == "application/pdf"
	if inline {
		w.Header().Set("Content-Disposition", "inline")
	} else {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file))
	}
	if ext == ".svg" {
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
	}

	http.ServeFile(w, r, path)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." {
		name = "upload"
	}
	return name
}

// uniquePath appends -1, -2, ... before the extension until the name is
// free.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
