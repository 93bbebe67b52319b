package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/zynqcloud/go-filestore/internal/coordinator"
	"github.com/zynqcloud/go-filestore/internal/filemeta"
)

// formFileField is the multipart field that carries the uploaded file.
const formFileField = "file"

// multipartMemory is how much of a multipart body is buffered in memory
// before parts spill to temp files.
const multipartMemory = 32 << 20

// mutationResponse is returned by upload and update.
type mutationResponse struct {
	Message string          `json:"message"`
	Data    filemeta.Record `json:"data"`
}

type searchResponse struct {
	ItemsFound int               `json:"itemsFound"`
	Items      []filemeta.Record `json:"items"`
}

// Upload handles POST /api/v1/binary.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	f, cleanup, ok := h.formFile(w, r)
	if !ok {
		return
	}
	defer cleanup()

	rec, err := h.files.Upload(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mutationResponse{Message: "File uploaded successfully", Data: rec})
}

// Update handles PUT /api/v1/binary.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	f, cleanup, ok := h.formFile(w, r)
	if !ok {
		return
	}
	defer cleanup()

	rec, err := h.files.Update(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Message: "File updated successfully", Data: rec})
}

// Fetch handles GET /api/v1/binary?filename={name}.{ext} by streaming the object.
func (h *Handler) Fetch(w http.ResponseWriter, r *http.Request) {
	obj, err := h.files.Fetch(r.Context(), r.URL.Query().Get("filename"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	if obj.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj.Body); err != nil {
		// Headers are gone; all that is left is to record the broken stream.
		h.logger.Warn("stream object", zap.String("file", r.URL.Query().Get("filename")), zap.Error(err))
	}
}

// Metadata handles GET /api/v1/binary/{filename}/metadata.
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	rec, err := h.files.FetchMetadata(r.Context(), r.PathValue("filename"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]filemeta.Record{"fileMetadata": rec})
}

// Delete handles DELETE /api/v1/binary?fileName={name}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.files.Delete(r.Context(), r.URL.Query().Get("fileName")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "File deleted successfully from both the object store and database.")
}

// Search handles GET /api/v1/binary/files. A filter that matches nothing is
// a 404; listing an empty store is not.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := make(map[string]string, len(filemeta.Params))
	filtered := false
	for _, k := range filemeta.Params {
		v := q.Get(k)
		params[k] = v
		filtered = filtered || strings.TrimSpace(v) != ""
	}

	recs, err := h.files.Search(r.Context(), params)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(recs) == 0 && filtered {
		writeMessage(w, http.StatusNotFound, "items not found")
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{ItemsFound: len(recs), Items: recs})
}

// formFile extracts the multipart file, capped at cfg.MaxUploadBytes. A
// request without the field yields a File with a nil Body so the coordinator
// reports it. ok is false when a response has already been written.
func (h *Handler) formFile(w http.ResponseWriter, r *http.Request) (f coordinator.File, cleanup func(), ok bool) {
	if h.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	}
	cleanup = func() {}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			writeMessage(w, http.StatusRequestEntityTooLarge,
				"File exceeds the "+strconv.FormatInt(tooBig.Limit, 10)+" byte limit.")
			return coordinator.File{}, cleanup, false
		case errors.Is(err, http.ErrNotMultipart):
			return coordinator.File{}, cleanup, true
		default:
			writeMessage(w, http.StatusBadRequest, "Malformed multipart body.")
			return coordinator.File{}, cleanup, false
		}
	}
	cleanup = func() { r.MultipartForm.RemoveAll() } //nolint:errcheck

	file, header, err := r.FormFile(formFileField)
	if errors.Is(err, http.ErrMissingFile) {
		return coordinator.File{}, cleanup, true
	}
	if err != nil {
		cleanup()
		writeMessage(w, http.StatusBadRequest, "Malformed multipart body.")
		return coordinator.File{}, func() {}, false
	}
	closeAll := func() {
		file.Close()
		cleanup()
	}
	return coordinator.FileFromUpload(header.Filename, file, header.Size), closeAll, true
}

// statusOf maps a coordinator error kind to its HTTP status.
func statusOf(kind coordinator.Kind) int {
	switch kind {
	case coordinator.InvalidRequest:
		return http.StatusBadRequest
	case coordinator.Conflict:
		return http.StatusConflict
	case coordinator.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var cerr *coordinator.Error
	if !errors.As(err, &cerr) {
		h.logger.Error("unclassified error", zap.String("path", r.URL.Path), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	body := map[string]string{"message": cerr.Message}
	if d := cerr.Detail(); d != "" {
		body["error"] = d
	}
	writeJSON(w, statusOf(cerr.Kind), body)
}
