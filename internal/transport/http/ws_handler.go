package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"lms-progress-service/internal/app"
	"lms-progress-service/internal/domain"
	"lms-progress-service/internal/platform/logger"
)

// CompletionFactory builds the per-session completion service (which owns
// the per-session retry queue and attempt log scope).
type CompletionFactory func(userID string, events app.QueueEvents) *app.CompletionService

// WSHandler exposes the completion operations over a websocket. The client
// sends completion commands; the handler answers with the operation result,
// pushes recalculated progress, and keeps the client's failure-queue badge
// current.
type WSHandler struct {
	newCompletion CompletionFactory
	progress      *app.ProgressService
	log           *logger.Logger
	upgrader      websocket.Upgrader
}

func NewWSHandler(newCompletion CompletionFactory, progress *app.ProgressService, log *logger.Logger) *WSHandler {
	return &WSHandler{
		newCompletion: newCompletion,
		progress:      progress,
		log:           log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type completeVideoPayload struct {
	UnitID          string `json:"unitId"`
	WatchPercentage int    `json:"watchPercentage"`
}

type completeQuizPayload struct {
	QuizID  string            `json:"quizId"`
	UnitID  string            `json:"unitId"`
	Score   int               `json:"score"`
	Answers map[string]string `json:"answers"`
}

type completeUnitPayload struct {
	UnitID string `json:"unitId"`
	Method string `json:"method"`
}

type completionResult struct {
	Kind     domain.AttemptKind `json:"kind"`
	UnitID   string             `json:"unitId"`
	Accepted bool               `json:"accepted"`
	Queued   bool               `json:"queued"`
}

type queueStatus struct {
	Count       int  `json:"count"`
	HasFailures bool `json:"hasFailures"`
}

type saveFailedPayload struct {
	Kind   domain.AttemptKind `json:"kind"`
	UnitID string             `json:"unitId"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades HTTP requests to websockets and wires them into the
// completion use cases.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	courseID := r.URL.Query().Get("courseId")
	if userID == "" || courseID == "" {
		http.Error(w, "missing userId or courseId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})

	push := func(msg outboundMessage[any]) {
		select {
		case send <- msg:
		case <-closeSignals:
		}
	}

	// The event closures reference the service they belong to; capture the
	// variable, which is assigned before the queue can fire anything.
	var completion *app.CompletionService
	completion = h.newCompletion(userID, app.QueueEvents{
		OnQueued: func(domain.CompletionAttempt) {
			push(h.statusMessage(completion))
		},
		OnSucceeded: func(attempt domain.CompletionAttempt) {
			push(h.statusMessage(completion))
			if summary, err := h.progress.Summary(context.Background(), userID, attempt.CourseID); err == nil {
				push(outboundMessage[any]{Type: "progress", Payload: summary})
			}
		},
		OnExhausted: func(attempt domain.CompletionAttempt) {
			push(outboundMessage[any]{Type: "saveFailed", Payload: saveFailedPayload{
				Kind:   attempt.Kind,
				UnitID: attempt.UnitID,
			}})
			push(h.statusMessage(completion))
		},
	})
	completion.Start()

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Warn("ws write error", "error", err)
				return
			}
		}
	}()

	if err := completion.RecoverPending(r.Context()); err != nil {
		h.log.Warn("recover pending attempts failed", "userId", userID, "error", err)
	}

	// Opening a course counts as accessing it, so run a full recalculation
	// rather than a read-only summary.
	if summary, err := h.progress.CalculateCourseProgress(r.Context(), userID, courseID); err != nil {
		push(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}})
	} else {
		push(outboundMessage[any]{Type: "connected", Payload: summary})
	}
	push(h.statusMessage(completion))

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		h.handleMessage(r.Context(), push, completion, userID, courseID, inbound)
	}

	close(closeSignals)
	completion.Dispose()
	close(send)
	<-writerDone
}

func (h *WSHandler) handleMessage(
	ctx context.Context,
	push func(outboundMessage[any]),
	completion *app.CompletionService,
	userID, courseID string,
	inbound inboundMessage,
) {
	sendErr := func(msg string) {
		push(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: msg}})
	}

	var (
		kind     domain.AttemptKind
		unitID   string
		accepted bool
		opErr    error
	)

	switch inbound.Type {
	case "completeVideo":
		var payload completeVideoPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			sendErr("invalid completeVideo payload")
			return
		}
		kind, unitID = domain.KindVideo, payload.UnitID
		accepted, opErr = completion.MarkVideoComplete(ctx, payload.UnitID, courseID, payload.WatchPercentage)
	case "completeQuiz":
		var payload completeQuizPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			sendErr("invalid completeQuiz payload")
			return
		}
		kind, unitID = domain.KindQuiz, payload.UnitID
		accepted, opErr = completion.MarkQuizComplete(ctx, payload.QuizID, payload.UnitID, courseID, payload.Score, payload.Answers)
	case "completeUnit":
		var payload completeUnitPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			sendErr("invalid completeUnit payload")
			return
		}
		kind, unitID = domain.KindUnit, payload.UnitID
		accepted, opErr = completion.MarkUnitComplete(ctx, payload.UnitID, courseID, payload.Method)
	case "retryNow":
		completion.RetryFailedCompletions(ctx)
		push(h.statusMessage(completion))
		return
	default:
		sendErr("unsupported message type")
		return
	}

	// Only structural validation failures reach here; transient remote
	// failures came back as accepted=false with the attempt queued.
	if opErr != nil {
		sendErr(opErr.Error())
		return
	}

	push(outboundMessage[any]{Type: "completionResult", Payload: completionResult{
		Kind:     kind,
		UnitID:   unitID,
		Accepted: accepted,
		Queued:   !accepted,
	}})

	if accepted {
		if summary, err := h.progress.Summary(ctx, userID, courseID); err == nil {
			push(outboundMessage[any]{Type: "progress", Payload: summary})
		}
	}
	push(h.statusMessage(completion))
}

// statusMessage builds a queueStatus push from the current counters.
func (h *WSHandler) statusMessage(completion *app.CompletionService) outboundMessage[any] {
	return outboundMessage[any]{Type: "queueStatus", Payload: queueStatus{
		Count:       completion.FailureQueueCount(),
		HasFailures: completion.HasFailures(),
	}}
}
