package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/nadmax/pixq/internal/batch"
	"github.com/nadmax/pixq/internal/credential"
	"github.com/nadmax/pixq/internal/dashboard"
	"github.com/nadmax/pixq/internal/dispatcher"
	"github.com/nadmax/pixq/internal/generation"
	"github.com/nadmax/pixq/internal/httputil"
	"github.com/nadmax/pixq/internal/progress"
	"github.com/nadmax/pixq/internal/repository"
	"github.com/nadmax/pixq/internal/repository/models"
)

const (
	defaultListLimit  = 100
	defaultBatchLimit = 50
)

type BatchService interface {
	Submit(ctx context.Context, prompts []string, imagesPerPrompt int) (*batch.Batch, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*batch.Batch, error)
	List(ctx context.Context, limit int) ([]*batch.Batch, error)
}

type CredentialService interface {
	Statuses(ctx context.Context) ([]*credential.Status, error)
	ResetAll(ctx context.Context) error
}

type ImageGenerator interface {
	Generate(ctx context.Context, prompt string, count int) generation.Result
	Config() generation.Config
}

type EventSource interface {
	Subscribe(batchID string, buffer int) (<-chan batch.Event, func())
}

// Options carries the services behind the API. Dashboard and Events may be nil.
type Options struct {
	Batches     BatchService
	Credentials CredentialService
	Generator   ImageGenerator
	Images      repository.ImageRepository
	Events      EventSource
	Dashboard   *dashboard.Dashboard
}

type API struct {
	batches     BatchService
	credentials CredentialService
	generator   ImageGenerator
	images      repository.ImageRepository
	events      EventSource
	dashboard   *dashboard.Dashboard
	router      chi.Router
}

type CreateBatchRequest struct {
	Prompts         []string `json:"prompts"`
	Text            string   `json:"text"`
	ImagesPerPrompt int      `json:"imagesPerPrompt"`
}

type GenerateImageRequest struct {
	Prompt          string `json:"prompt"`
	ImagesPerPrompt int    `json:"imagesPerPrompt"`
}

type GenerateImageResponse struct {
	Success    bool   `json:"success"`
	ImageURL   string `json:"imageUrl,omitempty"`
	UsedAPIKey string `json:"usedApiKey,omitempty"`
	ImageID    int64  `json:"imageId,omitempty"`
	Error      string `json:"error,omitempty"`
}

func NewAPI(opts Options) *API {
	a := &API{
		batches:     opts.Batches,
		credentials: opts.Credentials,
		generator:   opts.Generator,
		images:      opts.Images,
		events:      opts.Events,
		dashboard:   opts.Dashboard,
		router:      chi.NewRouter(),
	}

	a.RegisterRoutes(a.router)
	return a
}

func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/batches", a.createBatch)
		r.Get("/batches", a.listBatches)
		r.Get("/batches/{id}", a.getBatch)
		r.Post("/batches/{id}/cancel", a.cancelBatch)
		r.Get("/batches/{id}/events", a.streamEvents)

		r.Post("/generate-image", a.generateImage)
		r.Get("/api-key-status", a.credentialStatus)
		r.Post("/reset-api-keys", a.resetCredentials)
		r.Get("/generated-images", a.listImages)
		r.Get("/generated-images/{id}", a.getImage)
		r.Get("/prompt-history", a.promptHistory)
		r.Delete("/clear-all-data", a.clearAllData)

		if a.dashboard != nil {
			r.Get("/dashboard/stats", a.dashboard.GetStats)
			r.Get("/dashboard/history", a.dashboard.GetRecentBatches)
		}
	})
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) createBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	prompts := req.Prompts
	if len(prompts) == 0 && req.Text != "" {
		prompts = batch.ParsePrompts(req.Text)
	}
	if req.ImagesPerPrompt == 0 {
		req.ImagesPerPrompt = 1
	}

	b, err := a.batches.Submit(r.Context(), prompts, req.ImagesPerPrompt)
	if err != nil {
		if errors.Is(err, batch.ErrNoPrompts) || errors.Is(err, batch.ErrInvalidImageCount) {
			httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("failed to submit batch", "error", err)
		httputil.WriteJSONError(w, "Failed to start batch", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, b, http.StatusAccepted)
}

func (a *API) listBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := a.batches.List(r.Context(), queryLimit(r, defaultBatchLimit))
	if err != nil {
		slog.Error("failed to list batches", "error", err)
		httputil.WriteJSONError(w, "Failed to list batches", http.StatusInternalServerError)
		return
	}
	if batches == nil {
		batches = []*batch.Batch{}
	}

	httputil.WriteJSON(w, map[string]any{"batches": batches}, http.StatusOK)
}

func (a *API) getBatch(w http.ResponseWriter, r *http.Request) {
	b, err := a.batches.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeBatchError(w, err)
		return
	}

	httputil.WriteJSON(w, b, http.StatusOK)
}

func (a *API) cancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.batches.Cancel(r.Context(), id); err != nil {
		writeBatchError(w, err)
		return
	}

	httputil.WriteJSON(w, map[string]any{"success": true, "batchId": id}, http.StatusAccepted)
}

// streamEvents sends the current snapshot, then every progress event of the
// batch until a terminal one. Finished batches get only the snapshot.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		httputil.WriteJSONError(w, "Progress stream unavailable", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "id")
	events, unsubscribe := a.events.Subscribe(id, progress.DefaultBuffer)
	defer unsubscribe()

	b, err := a.batches.Get(r.Context(), id)
	if err != nil {
		writeBatchError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept failed", "batch_id", id, "error", err)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "stream closed") }()

	ctx := ws.CloseRead(r.Context())

	if err := writeMessage(ctx, ws, map[string]any{"type": "snapshot", "batch": b}); err != nil {
		return
	}
	if b.Finished() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeMessage(ctx, ws, map[string]any{"type": "event", "event": e}); err != nil {
				slog.Debug("websocket write failed", "batch_id", id, "error", err)
				return
			}
			if e.Terminal() {
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return ws.Write(ctx, websocket.MessageText, data)
}

func (a *API) generateImage(w http.ResponseWriter, r *http.Request) {
	var req GenerateImageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		httputil.WriteJSON(w, GenerateImageResponse{Error: "Prompt is required"}, http.StatusBadRequest)
		return
	}
	if req.ImagesPerPrompt == 0 {
		req.ImagesPerPrompt = 1
	}
	if req.ImagesPerPrompt < 1 || req.ImagesPerPrompt > batch.MaxImagesPerPrompt {
		httputil.WriteJSON(w, GenerateImageResponse{Error: batch.ErrInvalidImageCount.Error()}, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := a.images.AddPromptToHistory(ctx, req.Prompt); err != nil {
		slog.Warn("failed to record prompt history", "error", err)
	}

	result := a.generator.Generate(ctx, req.Prompt, req.ImagesPerPrompt)
	if !result.Success {
		httputil.WriteJSON(w, GenerateImageResponse{
			Error:      result.Error(),
			UsedAPIKey: result.KeyLabel,
		}, http.StatusInternalServerError)
		return
	}

	cfg := a.generator.Config()
	img := &models.GeneratedImage{
		Prompt:     req.Prompt,
		ImageURL:   result.ImageURL,
		UsedAPIKey: result.KeyLabel,
		Slot:       result.Slot,
		Metadata: map[string]any{
			"imagesPerPrompt": req.ImagesPerPrompt,
			"steps":           cfg.Steps,
			"width":           cfg.Width,
			"height":          cfg.Height,
			"model":           cfg.Model,
		},
	}
	id, err := a.images.SaveImage(context.WithoutCancel(ctx), img)
	if err != nil {
		slog.Error("failed to save generated image", "key", result.KeyLabel, "error", err)
		httputil.WriteJSON(w, GenerateImageResponse{
			Error:      "Failed to save generated image",
			ImageURL:   result.ImageURL,
			UsedAPIKey: result.KeyLabel,
		}, http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, GenerateImageResponse{
		Success:    true,
		ImageURL:   result.ImageURL,
		UsedAPIKey: result.KeyLabel,
		ImageID:    id,
	}, http.StatusOK)
}

func (a *API) credentialStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.credentials.Statuses(r.Context())
	if err != nil {
		slog.Error("failed to fetch credential status", "error", err)
		httputil.WriteJSONError(w, "Failed to fetch API key status", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, map[string]any{"statuses": statuses}, http.StatusOK)
}

func (a *API) resetCredentials(w http.ResponseWriter, r *http.Request) {
	if err := a.credentials.ResetAll(r.Context()); err != nil {
		slog.Error("failed to reset credentials", "error", err)
		httputil.WriteJSONError(w, "Failed to reset API keys", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, map[string]any{
		"success": true,
		"message": "API keys reset successfully",
	}, http.StatusOK)
}

func (a *API) listImages(w http.ResponseWriter, r *http.Request) {
	images, err := a.images.GetImages(r.Context(), queryLimit(r, defaultListLimit))
	if err != nil {
		slog.Error("failed to fetch generated images", "error", err)
		httputil.WriteJSONError(w, "Failed to fetch generated images", http.StatusInternalServerError)
		return
	}
	if images == nil {
		images = []models.GeneratedImage{}
	}

	httputil.WriteJSON(w, map[string]any{"images": images}, http.StatusOK)
}

func (a *API) getImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteJSONError(w, "Invalid image ID", http.StatusBadRequest)
		return
	}

	img, err := a.images.GetImage(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			httputil.WriteJSONError(w, "Image not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to fetch image", "image_id", id, "error", err)
		httputil.WriteJSONError(w, "Failed to fetch image", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, img, http.StatusOK)
}

func (a *API) promptHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.images.GetPromptHistory(r.Context(), queryLimit(r, defaultListLimit))
	if err != nil {
		slog.Error("failed to fetch prompt history", "error", err)
		httputil.WriteJSONError(w, "Failed to fetch prompt history", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []models.PromptHistory{}
	}

	httputil.WriteJSON(w, map[string]any{"history": history}, http.StatusOK)
}

func (a *API) clearAllData(w http.ResponseWriter, r *http.Request) {
	if err := a.images.ClearAllData(r.Context()); err != nil {
		slog.Error("failed to clear data", "error", err)
		httputil.WriteJSONError(w, "Failed to clear all data", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, map[string]any{"success": true}, http.StatusOK)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer func() {
		if err := r.Body.Close(); err != nil {
			slog.Warn("failed to close request body", "error", err)
		}
	}()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeBatchError(w http.ResponseWriter, err error) {
	switch {
	case dispatcher.IsNotFound(err):
		httputil.WriteJSONError(w, "Batch not found", http.StatusNotFound)
	case errors.Is(err, dispatcher.ErrBatchNotRunning):
		httputil.WriteJSONError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("batch request failed", "error", err)
		httputil.WriteJSONError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func queryLimit(r *http.Request, fallback int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
