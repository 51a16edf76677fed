// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package transfer

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/modryn/go-dispatch/dispatch"
	"github.com/modryn/go-dispatch/errors"
	"github.com/modryn/go-dispatch/job"
)

// downloadChunk is the streaming chunk size for downloads.
const downloadChunk = 1024 * 1024

// Upload size cap: uploadMaxChunks chunks of uploadChunk bytes.
const (
	uploadChunk     = 1024
	uploadMaxChunks = 10240
)

// Authenticator is the narrow slice of the auth service the transfer
// endpoints need.
type Authenticator interface {
	// CheckUser validates basic-auth credentials.
	CheckUser(username, password string) bool
	// CheckToken validates a bearer auth token.
	CheckToken(token string) bool
}

// Handler serves /_download/{job_id} and /_upload.
type Handler struct {
	logger     *logrus.Entry
	middleware *dispatch.Middleware
	auth       Authenticator
	registry   *Registry
}

// NewHandler wires the transfer endpoints.
func NewHandler(m *dispatch.Middleware, logger *logrus.Logger, auth Authenticator, registry *Registry) *Handler {
	return &Handler{
		logger:     logger.WithField("component", "transfer"),
		middleware: m,
		auth:       auth,
		registry:   registry,
	}
}

// Routes attaches the endpoints to a router.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/_download/{job_id}", h.Download).Methods("GET")
	r.HandleFunc("/_upload", h.Upload).Methods("POST")
}

// Download streams a job's output pipe in fixed-size chunks.  The
// auth token is one-shot and bound to a job id and filename at
// registration; a token that never arrives within the claim window
// yields 410 for the job thereafter.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(mux.Vars(r)["job_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	if _, err := h.middleware.Jobs().Get(jobID); err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	token := r.URL.Query().Get("auth_token")
	if token == "" {
		http.Error(w, "no auth token", http.StatusUnauthorized)
		return
	}
	d, ok := h.registry.claim(token)
	if !ok {
		// The job exists but its download window has passed or
		// the token was already used.
		http.Error(w, "gone", http.StatusGone)
		return
	}
	if d.job.ID() != jobID {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename != "" && filename != d.filename {
		http.Error(w, "invalid filename", http.StatusUnauthorized)
		return
	}

	pipe := d.job.Pipes().Output
	if pipe == nil {
		http.Error(w, "job has no output", http.StatusNotFound)
		return
	}
	defer pipe.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.filename))
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, downloadChunk)
	for {
		n, err := pipe.R.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// uploadRequest is the decoded "data" part of an upload.
type uploadRequest struct {
	Method string        `mapstructure:"method"`
	Params []interface{} `mapstructure:"params"`
}

// Upload feeds the request's file part into a job's input pipe.  The
// multipart body is strict: a "data" JSON part naming the method,
// then a "file" binary part, nothing else before them.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expected a multipart request", http.StatusPreconditionFailed)
		return
	}

	dataPart, err := reader.NextPart()
	if err != nil || dataPart.FormName() != "data" {
		http.Error(w, `first multipart part must be named "data"`, http.StatusPreconditionFailed)
		return
	}
	var raw map[string]interface{}
	if err := json.NewDecoder(dataPart).Decode(&raw); err != nil {
		http.Error(w, "invalid JSON in data part", http.StatusPreconditionFailed)
		return
	}
	var req uploadRequest
	if err := mapstructure.Decode(raw, &req); err != nil || req.Method == "" {
		http.Error(w, "data part must carry a method name", http.StatusPreconditionFailed)
		return
	}

	filePart, err := reader.NextPart()
	if err != nil || filePart.FormName() != "file" {
		http.Error(w, `second multipart part must be named "file"`, http.StatusPreconditionFailed)
		return
	}

	pipe, err := job.NewPipe()
	if err != nil {
		http.Error(w, "failed to create pipe", http.StatusInternalServerError)
		return
	}
	pipes := &job.Pipes{Input: pipe}

	result, err := h.middleware.Call(r.Context(), req.Method, req.Params, dispatch.CallOptions{Pipes: pipes})
	if err != nil {
		pipe.Close()
		status := http.StatusPreconditionFailed
		var notFound *errors.MethodNotFoundError
		if asError(err, &notFound) {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), status)
		return
	}
	j, ok := result.(*job.Job)
	if !ok {
		pipe.Close()
		http.Error(w, "upload target must be a job method", http.StatusPreconditionFailed)
		return
	}

	if err := h.copyIntoPipe(filePart, pipe); err != nil {
		h.logger.WithError(err).Warnf("Upload into job %d failed", j.ID())
		j.Abort()
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"job_id": j.ID()})
}

// copyIntoPipe streams the file part into the job's input in small
// chunks, erroring out past the configured cap.  The write end is
// closed on every path so the consuming job sees EOF.
func (h *Handler) copyIntoPipe(src io.Reader, pipe *job.Pipe) error {
	defer pipe.W.Close()
	const limit = uploadChunk * uploadMaxChunks
	buf := make([]byte, uploadChunk)
	total := 0
	for {
		n, err := src.Read(buf)
		if n > 0 {
			total += n
			if total > limit {
				return fmt.Errorf("maximum upload size is %d bytes", limit)
			}
			if _, werr := pipe.W.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// authorized accepts basic auth, an Authorization "Token" header, or
// an auth_token query parameter.
func (h *Handler) authorized(r *http.Request) bool {
	if username, password, ok := r.BasicAuth(); ok {
		return h.auth.CheckUser(username, password)
	}
	const prefix = "Token "
	if header := r.Header.Get("Authorization"); len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return h.auth.CheckToken(header[len(prefix):])
	}
	if token := r.URL.Query().Get("auth_token"); token != "" {
		return h.auth.CheckToken(token)
	}
	return false
}
