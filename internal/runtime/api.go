package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-sign/internal/capture"
	"github.com/loqalabs/loqa-sign/internal/dictation"
	"github.com/loqalabs/loqa-sign/internal/pipeline"
)

type api struct {
	p        *pipeline.Pipeline
	ready    func() bool
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// newRouter exposes the pipeline's controls and status board over HTTP.
func newRouter(p *pipeline.Pipeline, metrics http.Handler, ready func() bool, logger *slog.Logger) http.Handler {
	a := &api{
		p:      p,
		ready:  ready,
		logger: logger.With(slog.String("component", "http-api")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API binds to loopback by default; the UI may be served
			// from another local origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/transcript", a.handleStatus)
		r.Get("/history", a.handleHistory)
		r.Get("/ws", a.handleWatch)
		r.Post("/camera/toggle", a.handleCameraToggle)
		r.Post("/speak", a.handleSpeak)
		r.Post("/save", a.handleSave)
		r.Post("/clear", a.editHandler(a.p.Clear))
		r.Post("/backspace", a.editHandler(a.p.DeleteAtCaret))
		r.Post("/insert", a.handleInsert)
		r.Post("/caret", a.handleCaret)
		r.Post("/dictation/toggle", a.handleDictationToggle)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleStatus(w http.ResponseWriter, req *http.Request) {
	snap, err := a.p.Snapshot(req.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *api) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := a.p.History(req.Context(), limit)
	if err != nil {
		a.logger.Error("history query failed", slogError(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": a.p.SessionID(), "events": events})
}

func (a *api) handleCameraToggle(w http.ResponseWriter, req *http.Request) {
	active, err := a.p.ToggleCamera(req.Context())
	if err != nil {
		var acqErr *capture.AcquisitionError
		if errors.As(err, &acqErr) {
			writeJSON(w, http.StatusConflict, map[string]any{"active": false, "error": err.Error()})
			return
		}
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active})
}

func (a *api) handleSpeak(w http.ResponseWriter, req *http.Request) {
	started, err := a.p.Speak(req.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": started})
}

func (a *api) handleSave(w http.ResponseWriter, req *http.Request) {
	text, err := a.p.Save(req.Context())
	switch {
	case errors.Is(err, pipeline.ErrNothingToSave):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		a.logger.Error("save failed", slogError(err))
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"saved": true, "text": text})
	}
}

func (a *api) editHandler(op func(context.Context) (pipeline.Snapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap, err := op(req.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

type insertRequest struct {
	Text string `json:"text"`
}

func (a *api) handleInsert(w http.ResponseWriter, req *http.Request) {
	var body insertRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	a.editHandler(func(ctx context.Context) (pipeline.Snapshot, error) {
		return a.p.InsertAtCaret(ctx, body.Text)
	})(w, req)
}

type caretRequest struct {
	Offset *int `json:"offset"`
	Start  *int `json:"start"`
	End    *int `json:"end"`
}

func (a *api) handleCaret(w http.ResponseWriter, req *http.Request) {
	var body caretRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	var start, end int
	switch {
	case body.Offset != nil:
		start, end = *body.Offset, *body.Offset
	case body.Start != nil && body.End != nil:
		start, end = *body.Start, *body.End
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "offset or start/end is required"})
		return
	}
	a.editHandler(func(ctx context.Context) (pipeline.Snapshot, error) {
		return a.p.SetCaret(ctx, start, end)
	})(w, req)
}

func (a *api) handleDictationToggle(w http.ResponseWriter, req *http.Request) {
	listening, err := a.p.ToggleDictation(req.Context())
	switch {
	case errors.Is(err, dictation.ErrUnsupported):
		writeJSON(w, http.StatusNotImplemented, map[string]any{"listening": false, "error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusConflict, map[string]any{"listening": listening, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"listening": listening})
	}
}

// handleWatch streams the snapshot followed by every update as JSON text
// frames.
func (a *api) handleWatch(w http.ResponseWriter, req *http.Request) {
	conn, err := a.upgrader.Upgrade(w, req, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	updates, stop, err := a.p.Watch(ctx)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}
	defer stop()

	// Reader goroutine notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap, err := a.p.Snapshot(ctx)
	if err != nil {
		return
	}
	if err := a.writeFrame(conn, map[string]any{"snapshot": snap}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		case u, ok := <-updates:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := a.writeFrame(conn, u); err != nil {
				a.logger.Debug("websocket write failed", slogError(err))
				return
			}
		}
	}
}

func (a *api) writeFrame(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
