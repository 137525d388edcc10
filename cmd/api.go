package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/submission-grader/internal/blobstore"
	"github.com/sells-group/submission-grader/internal/exportjob"
	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/store"
)

// apiContentSchema is the literal schema version direct uploads write at
// model.StageTelegramIngest, matching internal/stagehandler's unexported
// schemaTelegramResolved constant. The two packages agree on the wire shape
// without sharing the type: stagehandler owns the stage-handler side,
// cmd owns the HTTP-ingress side.
const apiContentSchema = "telegram_ingest.v1"

// apiTelegramPointerSchema mirrors stagehandler's unexported
// schemaTelegramPointer the same way.
const apiTelegramPointerSchema = "telegram_pointer.v1"

// rawContentPayload mirrors internal/stagehandler's unexported
// rawContentArtifact — same JSON shape, independently declared, since
// cmd can't import an internal package's private types.
type rawContentPayload struct {
	Content     []byte `json:"content"`
	ContentType string `json:"content_type"`
	Caption     string `json:"caption,omitempty"`
	SourceChat  int64  `json:"source_chat_id,omitempty"`
}

// telegramPointerPayload mirrors internal/stagehandler's unexported
// telegramPointer.
type telegramPointerPayload struct {
	FileID  string `json:"file_id"`
	ChatID  int64  `json:"chat_id"`
	Caption string `json:"caption,omitempty"`
}

var apiValidate = validator.New()

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the HTTP ingress: candidate/assignment/submission intake, feedback readout, exports",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("api"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		bs, err := initBlobstore()
		if err != nil {
			return err
		}

		temporalClient, err := initTemporal()
		if err != nil {
			return err
		}
		var exportClient *exportjob.Client
		if temporalClient != nil {
			defer temporalClient.Close()
			exportClient = exportjob.New(temporalClient)

			if err := runEmbeddedExportWorker(ctx, temporalClient, st, bs); err != nil {
				return eris.Wrap(err, "start embedded export worker")
			}
		}

		if dryRunStartup {
			zap.L().Info("dry run startup ok", zap.String("role", "api"))
			return nil
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: newRouter(st, bs, exportClient),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down api server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting api server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "api server listen")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

// runEmbeddedExportWorker registers and starts the Temporal worker that
// executes exportjob.Workflow, in the same process as the HTTP ingress —
// exports are a peripheral async feature of the API surface, not a fifth
// scheduler role, so they don't get their own --role value.
func runEmbeddedExportWorker(ctx context.Context, temporalClient client.Client, st store.Store, bs blobstore.Store) error {
	w := worker.New(temporalClient, exportjob.TaskQueue, worker.Options{})
	activities := &exportjob.Activities{Store: st, Blobstore: bs}
	exportjob.RegisterWith(w, activities)

	if err := w.Start(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// newRouter builds the chi mux for the HTTP ingress, per spec.md §6's route
// table.
func newRouter(st store.Store, bs blobstore.Store, exportClient *exportjob.Client) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(zapLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	h := &apiHandlers{store: st, blobstore: bs, exportClient: exportClient}

	r.Get("/health", h.health)
	r.Get("/ready", h.ready)

	r.Post("/candidates", h.createCandidate)
	r.Post("/assignments", h.createAssignment)
	r.Get("/assignments", h.listAssignments)

	r.Post("/submissions", h.createSubmission)
	r.Post("/submissions/file", h.createSubmissionFile)
	r.Get("/submissions/{id}", h.getSubmission)

	r.Post("/webhooks/telegram", h.telegramWebhook)

	r.Get("/feedback", h.listFeedback)
	r.Post("/exports", h.createExport)
	r.Get("/exports/{id}/download", h.downloadExport)

	return r
}

// zapLogger is a chi middleware logging each request through the global
// zap logger, the teacher's preferred structured-log call shape
// (zap.String/zap.Int field pairs) applied to HTTP access logging instead
// of pipeline phase logging.
func zapLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

type apiHandlers struct {
	store        store.Store
	blobstore    blobstore.Store
	exportClient *exportjob.Client
}

func (h *apiHandlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *apiHandlers) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Migrate(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createCandidateRequest struct {
	DisplayName string `json:"display_name" validate:"required"`
	Email       string `json:"email" validate:"omitempty,email"`
}

func (h *apiHandlers) createCandidate(w http.ResponseWriter, r *http.Request) {
	var req createCandidateRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	candidate, err := h.store.CreateCandidate(r.Context(), model.Candidate{
		PublicID:    model.NewPublicID(model.PrefixCandidate),
		DisplayName: req.DisplayName,
		Email:       req.Email,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, candidate)
}

type createAssignmentRequest struct {
	Title         string `json:"title" validate:"required"`
	RubricVersion string `json:"rubric_version" validate:"required"`
	PromptVersion string `json:"prompt_version" validate:"required"`
}

func (h *apiHandlers) createAssignment(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	assignment, err := h.store.CreateAssignment(r.Context(), model.Assignment{
		PublicID:      model.NewPublicID(model.PrefixAssignment),
		Title:         req.Title,
		RubricVersion: req.RubricVersion,
		PromptVersion: req.PromptVersion,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (h *apiHandlers) listAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := h.store.ListAssignments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, assignments)
}

type createSubmissionRequest struct {
	CandidateID  string `json:"candidate_id" validate:"required"`
	AssignmentID string `json:"assignment_id" validate:"required"`
	Content      []byte `json:"content" validate:"required"`
	ContentType  string `json:"content_type" validate:"required"`
}

// createSubmission handles POST /submissions: content arrives inline
// (base64-encoded JSON), written straight into model.StageTelegramIngest's
// bucket as the already-resolved rawContentPayload shape — the ingest
// stage never claims these submissions since they start at StatusUploaded.
func (h *apiHandlers) createSubmission(w http.ResponseWriter, r *http.Request) {
	var req createSubmissionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	submission, err := h.createUploadedSubmission(r.Context(), req.CandidateID, req.AssignmentID, req.Content, req.ContentType, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, submission)
}

// createSubmissionFile handles POST /submissions/file: a multipart upload
// rather than a base64 JSON body, for clients sending large files directly.
func (h *apiHandlers) createSubmissionFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "parse multipart form"))
		return
	}

	candidateID := r.FormValue("candidate_id")
	assignmentID := r.FormValue("assignment_id")
	if candidateID == "" || assignmentID == "" {
		writeError(w, http.StatusBadRequest, eris.New("candidate_id and assignment_id are required"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "read uploaded file"))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "read file contents"))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	submission, err := h.createUploadedSubmission(r.Context(), candidateID, assignmentID, content, contentType, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, submission)
}

func (h *apiHandlers) createUploadedSubmission(ctx context.Context, candidateID, assignmentID string, content []byte, contentType, caption string) (*model.Submission, error) {
	submission, err := h.store.CreateSubmission(ctx, candidateID, assignmentID, model.StatusUploaded)
	if err != nil {
		return nil, eris.Wrap(err, "create submission")
	}

	payload, err := json.Marshal(rawContentPayload{Content: content, ContentType: contentType, Caption: caption})
	if err != nil {
		return nil, eris.Wrap(err, "marshal raw content payload")
	}

	ref, err := h.blobstore.Put(ctx, submission.PublicID, model.StageTelegramIngest, apiContentSchema, payload)
	if err != nil {
		return nil, eris.Wrap(err, "store raw content artifact")
	}

	if err := h.store.LinkArtifact(ctx, submission.PublicID, model.StageTelegramIngest, ref); err != nil {
		return nil, eris.Wrap(err, "link raw content artifact")
	}

	return submission, nil
}

type telegramWebhookRequest struct {
	UpdateID     int64  `json:"update_id" validate:"required"`
	ChatID       int64  `json:"chat_id" validate:"required"`
	FileID       string `json:"file_id" validate:"required"`
	Caption      string `json:"caption"`
	CandidateID  string `json:"candidate_id" validate:"required"`
	AssignmentID string `json:"assignment_id" validate:"required"`
}

// telegramWebhook handles POST /webhooks/telegram: idempotent upsert keyed
// by update_id (invariant 7), writing a telegram_pointer artifact the
// worker-ingest-telegram role later resolves into actual bytes. A duplicate
// update_id returns the existing submission without writing a second
// artifact — store.UpsertSubmissionSource's created flag tells us which.
func (h *apiHandlers) telegramWebhook(w http.ResponseWriter, r *http.Request) {
	var req telegramWebhookRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	newPublicID := model.NewPublicID(model.PrefixSubmission)
	submission, created, err := h.store.UpsertSubmissionSource(r.Context(), req.CandidateID, req.AssignmentID, model.SubmissionSource{
		SubmissionID:     newPublicID,
		SourceType:       "telegram",
		SourceExternalID: fmt.Sprintf("%d", req.UpdateID),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if created {
		payload, err := json.Marshal(telegramPointerPayload{FileID: req.FileID, ChatID: req.ChatID, Caption: req.Caption})
		if err != nil {
			writeError(w, http.StatusInternalServerError, eris.Wrap(err, "marshal telegram pointer"))
			return
		}

		ref, err := h.blobstore.Put(r.Context(), submission.PublicID, model.StageTelegramIngest, apiTelegramPointerSchema, payload)
		if err != nil {
			writeError(w, http.StatusInternalServerError, eris.Wrap(err, "store telegram pointer artifact"))
			return
		}
		if err := h.store.LinkArtifact(r.Context(), submission.PublicID, model.StageTelegramIngest, ref); err != nil {
			writeError(w, http.StatusInternalServerError, eris.Wrap(err, "link telegram pointer artifact"))
			return
		}
	}

	writeJSON(w, http.StatusOK, submission)
}

// submissionView is GET /submissions/{id}'s response: the submission row
// plus its artifact trace and evaluation, per spec.md §6's "status and
// artifact trace" contract.
type submissionView struct {
	model.Submission
	Artifacts  []model.Artifact   `json:"artifacts"`
	Evaluation *model.Evaluation  `json:"evaluation,omitempty"`
	Deliveries []model.Delivery   `json:"deliveries"`
}

func (h *apiHandlers) getSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	submission, err := h.store.GetSubmission(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if submission == nil {
		writeError(w, http.StatusNotFound, eris.New("submission not found"))
		return
	}

	artifacts, err := h.store.ListArtifacts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	evaluation, err := h.store.GetEvaluation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	deliveries, err := h.store.ListDeliveries(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, submissionView{
		Submission: *submission,
		Artifacts:  artifacts,
		Evaluation: evaluation,
		Deliveries: deliveries,
	})
}

// listFeedback handles GET /feedback: every submission matching the
// candidate/assignment filter, each with its evaluation when one exists
// (omitted otherwise), read straight off the evaluation table rather than
// assembling the full submissionView per row.
func (h *apiHandlers) listFeedback(w http.ResponseWriter, r *http.Request) {
	filter := store.SubmissionFilter{
		CandidateID:  r.URL.Query().Get("candidate_id"),
		AssignmentID: r.URL.Query().Get("assignment_id"),
	}

	submissions, err := h.store.ListSubmissions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	type feedbackRow struct {
		SubmissionID string            `json:"submission_id"`
		Status       model.Status      `json:"status"`
		Evaluation   *model.Evaluation `json:"evaluation,omitempty"`
	}

	rows := make([]feedbackRow, 0, len(submissions))
	for _, s := range submissions {
		evaluation, err := h.store.GetEvaluation(r.Context(), s.PublicID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		rows = append(rows, feedbackRow{SubmissionID: s.PublicID, Status: s.Status, Evaluation: evaluation})
	}

	writeJSON(w, http.StatusOK, rows)
}

type createExportRequest struct {
	CandidateID  string `json:"candidate_id"`
	AssignmentID string `json:"assignment_id"`
	Format       string `json:"format" validate:"omitempty,oneof=csv xlsx"`
}

func (h *apiHandlers) createExport(w http.ResponseWriter, r *http.Request) {
	if h.exportClient == nil {
		writeError(w, http.StatusServiceUnavailable, eris.New("export.temporal_host_port is not configured"))
		return
	}

	var req createExportRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	jobID, err := h.exportClient.Start(r.Context(), exportjob.Request{
		CandidateID:  req.CandidateID,
		AssignmentID: req.AssignmentID,
		Format:       req.Format,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (h *apiHandlers) downloadExport(w http.ResponseWriter, r *http.Request) {
	if h.exportClient == nil {
		writeError(w, http.StatusServiceUnavailable, eris.New("export.temporal_host_port is not configured"))
		return
	}

	jobID := chi.URLParam(r, "id")
	status, result, err := h.exportClient.Poll(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	switch status {
	case exportjob.StatusRunning:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": string(status)})
	case exportjob.StatusFailed:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": string(status)})
	case exportjob.StatusCompleted:
		data, err := h.blobstore.Get(r.Context(), result.ArtifactRef)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID))
		w.Write(data)
	}
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "decode request body"))
		return false
	}
	if err := apiValidate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "validate request"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
