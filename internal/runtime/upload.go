package runtime

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-grammar/internal/audio"
	"github.com/loqalabs/loqa-grammar/internal/pipeline"
)

const uploadField = "audio"

var allowedExtensions = map[string]struct{}{
	".wav":  {},
	".mp3":  {},
	".m4a":  {},
	".flac": {},
	".ogg":  {},
	".webm": {},
}

// ValidationError rejects an upload before anything is written to disk.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// sanitizeFilename keeps the base name of a client supplied filename,
// reduced to ASCII letters, digits, '_', '.' and '-'.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return '_'
		case r > unicode.MaxASCII:
			return -1
		}
		return r
	}, name)
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	return strings.TrimLeft(name, "._")
}

func allowedExtension(name string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	_, ok := allowedExtensions[ext]
	return ext, ok
}

// receiveUpload streams the "audio" part of a multipart request into dir.
// The filename and extension are validated from the part header, so rejected
// uploads never touch the disk.
func receiveUpload(r *http.Request, dir string, log *slog.Logger) (pipeline.AudioAsset, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return pipeline.AudioAsset{}, &ValidationError{Field: uploadField, Reason: "expected multipart/form-data upload"}
	}

	var part *multipart.Part
	for {
		p, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return pipeline.AudioAsset{}, &ValidationError{Field: uploadField, Reason: "no audio file provided"}
		}
		if err != nil {
			return pipeline.AudioAsset{}, uploadReadError(err)
		}
		if p.FormName() == uploadField {
			part = p
			break
		}
		p.Close()
	}
	defer part.Close()

	filename := part.FileName()
	if strings.TrimSpace(filename) == "" {
		return pipeline.AudioAsset{}, &ValidationError{Field: uploadField, Reason: "empty filename"}
	}
	ext, ok := allowedExtension(filename)
	if !ok {
		return pipeline.AudioAsset{}, &ValidationError{
			Field:  uploadField,
			Reason: fmt.Sprintf("unsupported file type %q (allowed: .wav .mp3 .m4a .flac .ogg .webm)", filepath.Ext(filename)),
		}
	}

	safe := sanitizeFilename(filename)
	if safe == "" || strings.EqualFold(safe, strings.TrimPrefix(ext, ".")) {
		safe = "upload" + ext
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pipeline.AudioAsset{}, fmt.Errorf("create upload dir: %w", err)
	}
	id := uuid.NewString()
	path := filepath.Join(dir, id+"_"+safe)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return pipeline.AudioAsset{}, fmt.Errorf("create upload file: %w", err)
	}
	n, copyErr := io.Copy(f, part)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if copyErr != nil {
			return pipeline.AudioAsset{}, uploadReadError(copyErr)
		}
		return pipeline.AudioAsset{}, fmt.Errorf("write upload file: %w", closeErr)
	}
	if n == 0 {
		_ = os.Remove(path)
		return pipeline.AudioAsset{}, &ValidationError{Field: uploadField, Reason: "uploaded file is empty"}
	}

	asset := pipeline.AudioAsset{
		RequestID: id,
		Path:      path,
		Filename:  safe,
		Ext:       ext,
	}
	if ext == ".wav" {
		if format, err := audio.Probe(path); err == nil {
			asset.Format = format
		} else {
			log.Debug("wav header probe failed; relying on transcoder", slog.String("request_id", id), slogError(err))
		}
	}
	return asset, nil
}

func uploadReadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &ValidationError{Field: uploadField, Reason: fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit)}
	}
	return &ValidationError{Field: uploadField, Reason: "malformed upload: " + err.Error()}
}
