// Package chat is the browser-facing frontdoor: it creates conversations,
// accepts submissions and pushes conversation snapshots over SSE and
// websockets.
package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	a2aapi "github.com/tjfontaine/cartpilot-concierge/internal/api/a2a"
	"github.com/tjfontaine/cartpilot-concierge/internal/codec"
	"github.com/tjfontaine/cartpilot-concierge/internal/conversation"
	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
	"github.com/tjfontaine/cartpilot-concierge/internal/server"
	"github.com/tjfontaine/cartpilot-concierge/internal/storage"
)

// maxBodyBytes fits a base64-encoded image of the largest accepted size.
const maxBodyBytes = 16 << 20

// AgentCardSource fetches the remote agent's card.
type AgentCardSource interface {
	AgentCard(ctx context.Context) (*a2aapi.AgentCard, error)
}

// Option configures the handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithKeepAlive sets the interval of SSE comments and websocket pings.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) {
		h.keepAlive = d
	}
}

// WithCheckOrigin overrides the websocket origin check. The default accepts
// same-origin browsers and non-browser clients.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = fn
	}
}

// Handler serves the chat API.
type Handler struct {
	manager   *conversation.Manager
	agent     AgentCardSource
	logger    *slog.Logger
	keepAlive time.Duration
	upgrader  websocket.Upgrader
}

// NewHandler creates the chat API handler. agent may be nil, in which case
// the agent card route answers 404.
func NewHandler(manager *conversation.Manager, agent AgentCardSource, opts ...Option) *Handler {
	h := &Handler{
		manager:   manager,
		agent:     agent,
		logger:    slog.Default(),
		keepAlive: 15 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Mount registers the routes. limiter guards message submission and may be nil.
func (h *Handler) Mount(r chi.Router, limiter *server.RateLimiter) {
	r.Get("/healthz", h.HandleHealth)
	r.Get("/v1/agent", h.HandleAgentCard)

	r.Route("/v1/conversations", func(r chi.Router) {
		r.Post("/", h.HandleCreateConversation)
		r.Get("/", h.HandleListConversations)

		r.Route("/{conversation_id}", func(r chi.Router) {
			r.Get("/", h.HandleGetConversation)
			r.Get("/events", h.HandleEvents)
			r.Get("/ws", h.HandleWebsocket)

			submit := http.Handler(http.HandlerFunc(h.HandleCreateMessage))
			if limiter != nil {
				submit = limiter.Middleware(submit)
			}
			r.Method(http.MethodPost, "/messages", submit)
		})
	})
}

// ConversationResponse is returned by create and get.
type ConversationResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	CreatedAt int64  `json:"created_at"`
	conversation.Snapshot
}

// HandleHealth reports liveness.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleAgentCard proxies the remote agent's card.
func (h *Handler) HandleAgentCard(w http.ResponseWriter, r *http.Request) {
	if h.agent == nil {
		server.WriteError(w, r, domain.ErrNotFound("no agent configured"))
		return
	}
	card, err := h.agent.AgentCard(r.Context())
	if err != nil {
		server.WriteError(w, r, domain.ErrUpstream(fmt.Sprintf("failed to fetch agent card: %v", err)))
		return
	}
	server.WriteJSON(w, http.StatusOK, card)
}

// HandleCreateConversation starts a conversation.
func (h *Handler) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.manager.Create(r.Context())
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "conversation_id", conv.ID())
	server.WriteJSON(w, http.StatusCreated, conversationResponse(conv))
}

// HandleListConversations lists stored conversations.
func (h *Handler) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	}
	sessions, err := h.manager.List(r.Context(), opts)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	type item struct {
		ID        string `json:"id"`
		CreatedAt int64  `json:"created_at"`
		UpdatedAt int64  `json:"updated_at"`
	}
	data := make([]item, 0, len(sessions))
	for _, s := range sessions {
		data = append(data, item{ID: s.ConversationID, CreatedAt: s.CreatedAt.Unix(), UpdatedAt: s.UpdatedAt.Unix()})
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// HandleGetConversation returns the conversation snapshot.
func (h *Handler) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	server.WriteJSON(w, http.StatusOK, conversationResponse(conv))
}

// HandleCreateMessage submits a user turn. It answers 202 as soon as the turn
// starts; its progress is delivered through the subscriptions.
func (h *Handler) HandleCreateMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	sub, err := decodeSubmission(r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	if _, err := conv.Submit(r.Context(), sub); err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusAccepted, conv.Snapshot())
}

// HandleEvents streams snapshots as server-sent events.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		server.WriteError(w, r, domain.ErrServer("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates, unsubscribe := conv.Subscribe()
	defer unsubscribe()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				h.logger.Error("failed to encode snapshot",
					slog.String("conversation_id", conv.ID()),
					slog.String("error", err.Error()),
				)
				continue
			}
			fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
			flusher.Flush()
		case <-keepAlive.C:
			io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) (*conversation.Conversation, bool) {
	id := chi.URLParam(r, "conversation_id")
	server.AddLogField(r.Context(), "conversation_id", id)

	conv, err := h.manager.Get(r.Context(), id)
	if err != nil {
		server.WriteError(w, r, err)
		return nil, false
	}
	return conv, true
}

func conversationResponse(conv *conversation.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        conv.ID(),
		Object:    "conversation",
		CreatedAt: conv.CreatedAt().Unix(),
		Snapshot:  conv.Snapshot(),
	}
}

// MessageRequest is the JSON form of a submission.
type MessageRequest struct {
	Text  string        `json:"text"`
	Image *ImagePayload `json:"image,omitempty"`
}

// ImagePayload carries an image inline (base64 data) or by URL.
type ImagePayload struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Submission converts the request to a domain submission.
func (m MessageRequest) Submission() (domain.Submission, error) {
	sub := domain.Submission{Text: m.Text}
	if m.Image == nil {
		return sub, nil
	}

	img := &domain.Image{Name: m.Image.Name, MimeType: m.Image.MimeType, URL: m.Image.URL}
	if m.Image.Data != "" {
		data, err := base64.StdEncoding.DecodeString(m.Image.Data)
		if err != nil {
			return sub, domain.ErrInvalidRequest("image data is not valid base64")
		}
		img.Data = data
		img.MimeType = detectMediaType(img.MimeType, img.Name, data)
	}
	sub.Image = img
	return sub, nil
}

func decodeSubmission(r *http.Request) (domain.Submission, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return decodeMultipart(r)
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.Submission{}, domain.ErrInvalidRequest("request body too large").
				WithCode(domain.ErrorCodeSubmissionTooLarge)
		}
		return domain.Submission{}, domain.ErrInvalidRequest("invalid request body")
	}
	return req.Submission()
}

func decodeMultipart(r *http.Request) (domain.Submission, error) {
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		return domain.Submission{}, domain.ErrInvalidRequest("invalid multipart body")
	}
	sub := domain.Submission{Text: r.FormValue("text")}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return sub, nil
	}
	if err != nil {
		return sub, domain.ErrInvalidRequest("invalid image part")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return sub, domain.ErrInvalidRequest("failed to read image")
	}
	sub.Image = &domain.Image{
		Name:     header.Filename,
		MimeType: detectMediaType(header.Header.Get("Content-Type"), header.Filename, data),
		Data:     data,
	}
	return sub, nil
}

// detectMediaType prefers a declared image type, then the sniffed content,
// then the file extension.
func detectMediaType(declared, name string, data []byte) string {
	if codec.IsSupportedMediaType(declared) {
		return codec.NormalizeMediaType(declared)
	}
	sniffed, _, _ := strings.Cut(http.DetectContentType(data), ";")
	if codec.IsSupportedMediaType(sniffed) {
		return sniffed
	}
	if declared != "" {
		return declared
	}
	return codec.InferMediaType(name)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
