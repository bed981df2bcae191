package api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"sofia/internal/storage"
)

type libraryFile struct {
	ID       string `json:"_id"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileData string `json:"fileData,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorString(w, http.StatusRequestEntityTooLarge, "File is too large")
			return
		}
		writeErrorString(w, http.StatusBadRequest, "Expected a multipart form with a file field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorString(w, http.StatusBadRequest, "No file part")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		writeErrorString(w, http.StatusBadRequest, "Could not read file")
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		writeErrorString(w, http.StatusRequestEntityTooLarge, "File is too large")
		return
	}
	name := filepath.Base(strings.TrimSpace(header.Filename))
	if name == "" || name == "." || name == "/" {
		writeErrorString(w, http.StatusBadRequest, "No selected file")
		return
	}
	fileType := header.Header.Get("Content-Type")
	if fileType == "" || fileType == "application/octet-stream" {
		fileType = http.DetectContentType(data)
	}

	user := userFrom(r.Context())
	saved, err := s.store.AddLibraryFile(r.Context(), storage.LibraryFile{
		UserID:   user.ID,
		FileName: name,
		FileType: fileType,
		FileData: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("store library file failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not save file")
		return
	}
	writeJSON(w, http.StatusCreated, libraryFile{ID: saved.ID, FileName: saved.FileName, FileType: saved.FileType})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	files, err := s.store.ListLibraryFiles(r.Context(), user.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("list library failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not load library")
		return
	}
	out := make([]libraryFile, 0, len(files))
	for _, f := range files {
		out = append(out, libraryFile{ID: f.ID, FileName: f.FileName, FileType: f.FileType, FileData: f.FileData})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id := chi.URLParam(r, "fileID")
	err := s.store.DeleteLibraryFile(r.Context(), user.ID, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeErrorString(w, http.StatusNotFound, "File not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("file_id", id).Msg("delete library file failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not delete file")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
