// Package openaiapi implements the OpenAI-compatible chat-completions
// adapter (C12): it reshapes an incoming chat-completion request into a
// composite prompt, dispatches it as an agent run, and bridges the
// engine's event-bus stream back out as either a single JSON response or
// a Server-Sent-Events stream, grounded on the SSE write-loop idiom of
// pkg/api/handlers_stream.go and the go-openai wire types used by
// getaxonflow-axonflow's gateway-mode example.
package openaiapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hanzoai/gateway/pkg/agentengine"
	"github.com/hanzoai/gateway/pkg/billing"
	"github.com/hanzoai/gateway/pkg/eventbus"
	gwerrors "github.com/hanzoai/gateway/pkg/errors"
	"github.com/hanzoai/gateway/pkg/gwlog"
	"github.com/hanzoai/gateway/pkg/gwmetrics"
	"github.com/hanzoai/gateway/pkg/tenant"
	"github.com/hanzoai/gateway/pkg/usagereport"
)

// DefaultFallbackMessage is the §8 law's default substitute response body
// when a non-streaming run produces no assistant text.
const DefaultFallbackMessage = "No response from Hanzo Bot."

// DefaultAgentID is used when the request's model string does not match
// any configured agent.
const DefaultAgentID = "default"

// Adapter serves POST /v1/chat/completions.
type Adapter struct {
	Engine          agentengine.Engine
	Bus             *eventbus.Bus
	Gate            *billing.Gate
	Usage           *usagereport.Reporter
	Logger          *gwlog.Logger
	KnownAgents     map[string]bool // model strings recognized as agent ids
	DefaultAgentID  string
	FallbackMessage string
}

// New constructs an Adapter with the §8 defaults filled in.
func New(engine agentengine.Engine, bus *eventbus.Bus, gate *billing.Gate, usage *usagereport.Reporter, logger *gwlog.Logger) *Adapter {
	if logger == nil {
		logger = gwlog.Nop()
	}
	return &Adapter{
		Engine:          engine,
		Bus:             bus,
		Gate:            gate,
		Usage:           usage,
		Logger:          logger,
		KnownAgents:     map[string]bool{},
		DefaultAgentID:  DefaultAgentID,
		FallbackMessage: DefaultFallbackMessage,
	}
}

// requestContext is what the router passes down about the caller: the
// bearer token forwarded to the billing gate, the resolved tenant (nil in
// personal mode), and an identifier for the session-key derivation.
type requestContext struct {
	Token      string
	Tenant     *tenant.Context
	CallerID   string // req.User, or a connection identifier, for session-key derivation
}

type contextKey int

const (
	contextKeyTenant contextKey = iota
	contextKeyCallerID
)

// WithTenant attaches the router's resolved tenant context (nil in
// personal mode) to r, for ServeHTTP to pick up.
func WithTenant(r *http.Request, tenantCtx *tenant.Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), contextKeyTenant, tenantCtx))
}

// WithCallerID attaches the router's resolved caller identifier to r, used
// for session-key derivation when the request body omits "user".
func WithCallerID(r *http.Request, callerID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), contextKeyCallerID, callerID))
}

// ServeHTTP handles POST /v1/chat/completions. The router is expected to
// have already enforced method, bearer-auth, and body-size limits (§4.11);
// ServeHTTP performs only the body-shape and billing checks that are
// specific to this endpoint (§4.12). It reads the router's resolved
// tenant/caller-id off the request context when WithTenant/WithCallerID
// were used to inject them.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantCtx, _ := r.Context().Value(contextKeyTenant).(*tenant.Context)
	callerID, _ := r.Context().Value(contextKeyCallerID).(string)
	a.Handle(w, r, requestContext{Token: bearerFromRequest(r), Tenant: tenantCtx, CallerID: callerID})
}

// Handle is the testable entry point; rc carries what the router already
// resolved about the caller.
func (a *Adapter) Handle(w http.ResponseWriter, r *http.Request, rc requestContext) {
	if a.Engine == nil {
		writeGatewayError(w, gwerrors.New(gwerrors.ErrCodeInternal, http.StatusServiceUnavailable, "agent execution engine not configured"))
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeGatewayError(w, gwerrors.PayloadTooLarge(maxBytesErr.Limit).
				WithRemediation("Reduce the request body size and retry"))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request_error", "request body must be valid JSON",
			"Check the request body is well-formed JSON matching the chat completions schema")
		return
	}
	if req.Messages == nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must be an array",
			"Include a non-null messages array in the request body")
		return
	}

	extraSystem, conversation := reshapeMessages(req.Messages)
	if extraSystem == "" && len(conversation) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "resulting prompt is empty",
			"Include at least one non-empty user or system message")
		return
	}

	if a.Gate != nil {
		if gerr := a.Gate.Check(r.Context(), rc.Tenant, rc.Token); gerr != nil {
			gwmetrics.ChatCompletions.WithLabelValues(streamLabel(req.Stream), "denied").Inc()
			writeBillingError(w, gerr)
			return
		}
	}

	agentID := a.resolveAgentID(req.Model)
	caller := req.User
	if caller == "" {
		caller = rc.CallerID
	}
	if caller == "" {
		caller = "anonymous"
	}
	sessionKey := fmt.Sprintf("openai:%s:%s", agentID, caller)
	runID := "chatcmpl_" + uuid.New().String()

	runReq := agentengine.RunRequest{
		SessionKey:     sessionKey,
		AgentID:        agentID,
		ExtraSystem:    extraSystem,
		Conversation:   conversation,
		UserIdentifier: req.User,
	}

	if req.Stream {
		a.serveStreaming(w, r, runID, req, runReq, rc.Tenant)
		return
	}
	a.serveNonStreaming(w, r, runID, req, runReq, rc.Tenant)
}

func (a *Adapter) resolveAgentID(model string) string {
	if model != "" && a.KnownAgents[model] {
		return model
	}
	if a.DefaultAgentID != "" {
		return a.DefaultAgentID
	}
	return DefaultAgentID
}

// reshapeMessages implements §4.12's message reshaping: system/developer
// messages are concatenated into a single extra-system-prompt with
// blank-line separators; the rest become tagged conversation entries with
// tool/function normalized to "Tool[:name]".
func reshapeMessages(messages []openai.ChatCompletionMessage) (string, []agentengine.ConversationEntry) {
	var systemParts []string
	var conversation []agentengine.ConversationEntry

	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if content != "" {
				systemParts = append(systemParts, content)
			}
		case "user":
			if content != "" {
				conversation = append(conversation, agentengine.ConversationEntry{Role: "User", Content: content})
			}
		case "assistant":
			if content != "" {
				conversation = append(conversation, agentengine.ConversationEntry{Role: "Assistant", Content: content})
			}
		case "tool", "function":
			if content != "" {
				role := "Tool"
				if m.Name != "" {
					role = "Tool:" + m.Name
				}
				conversation = append(conversation, agentengine.ConversationEntry{Role: role, Content: content})
			}
		}
	}

	return strings.Join(systemParts, "\n\n"), conversation
}

// serveNonStreaming awaits the run to completion (subscribing before
// dispatch to avoid missing early events) and returns a single
// chat-completion JSON body.
func (a *Adapter) serveNonStreaming(w http.ResponseWriter, r *http.Request, runID string, req openai.ChatCompletionRequest, runReq agentengine.RunRequest, tenantCtx *tenant.Context) {
	sub := a.Bus.Subscribe(runID)
	defer sub.Unsubscribe()

	if err := a.Engine.StartRun(r.Context(), runID, runReq); err != nil {
		gwmetrics.ChatCompletions.WithLabelValues("sync", "error").Inc()
		writeError(w, http.StatusInternalServerError, "api_error", "internal error")
		return
	}

	terminal, ok := awaitTerminal(r.Context(), sub)
	if !ok {
		gwmetrics.ChatCompletions.WithLabelValues("sync", "error").Inc()
		writeError(w, http.StatusInternalServerError, "api_error", "internal error")
		return
	}

	content := strings.Join(nonEmpty(terminal.Payloads), "\n\n")
	if content == "" {
		content = a.fallback()
	}

	inputTokens, outputTokens, totalTokens := extractUsage(terminal.Metadata)
	a.reportUsage(tenantCtx, req.Model, inputTokens, outputTokens, totalTokens)

	resp := openai.ChatCompletionResponse{
		ID:      runID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: openai.FinishReasonStop,
			},
		},
		Usage: openai.Usage{
			PromptTokens:     inputTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      totalTokens,
		},
	}

	gwmetrics.ChatCompletions.WithLabelValues("sync", "ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// serveStreaming bridges the run's assistant-delta events onto an SSE
// response, matching §4.12's chunk sequence: one role chunk on the first
// delta, one content chunk per delta thereafter, terminated by
// "data: [DONE]\n\n".
func (a *Adapter) serveStreaming(w http.ResponseWriter, r *http.Request, runID string, req openai.ChatCompletionRequest, runReq agentengine.RunRequest, tenantCtx *tenant.Context) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	sub := a.Bus.Subscribe(runID)
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := a.Engine.StartRun(r.Context(), runID, runReq); err != nil {
		writeSSEChunk(w, syntheticChunk(runID, req.Model, "assistant", "Error: internal error"))
		writeSSEDone(w)
		flusher.Flush()
		return
	}

	closed := false
	deltaCount := 0
	var payloads []string
	var lastMetadata map[string]any

	writeChunk := func(role, text string) {
		writeSSEChunk(w, syntheticChunk(runID, req.Model, role, text))
		flusher.Flush()
	}

streamLoop:
	for {
		select {
		case <-r.Context().Done():
			closed = true
			break streamLoop
		case event, ok := <-sub.Events:
			if !ok {
				break streamLoop
			}
			switch {
			case event.Stream == eventbus.StreamAssistant && event.Text != "":
				if deltaCount == 0 {
					writeChunk("assistant", "")
				}
				writeChunk("", event.Text)
				deltaCount++
			case event.IsTerminal():
				payloads = event.Payloads
				lastMetadata = event.Metadata
				if event.Phase == eventbus.PhaseError {
					writeChunk("assistant", "Error: internal error")
				} else if deltaCount == 0 {
					content := strings.Join(nonEmpty(payloads), "\n\n")
					if content == "" {
						content = a.fallback()
					}
					writeChunk("assistant", content)
				}
			}
		}
	}

	if closed {
		gwmetrics.ChatCompletions.WithLabelValues("stream", "client_closed").Inc()
		return
	}

	writeSSEDone(w)
	flusher.Flush()

	inputTokens, outputTokens, totalTokens := extractUsage(lastMetadata)
	a.reportUsage(tenantCtx, req.Model, inputTokens, outputTokens, totalTokens)
	gwmetrics.ChatCompletions.WithLabelValues("stream", "ok").Inc()
}

func (a *Adapter) fallback() string {
	if a.FallbackMessage != "" {
		return a.FallbackMessage
	}
	return DefaultFallbackMessage
}

func (a *Adapter) reportUsage(tenantCtx *tenant.Context, model string, inputTokens, outputTokens, totalTokens int) {
	if a.Usage == nil || (inputTokens == 0 && outputTokens == 0) {
		return
	}
	tenantLabel := "personal"
	if tenantCtx != nil && tenantCtx.OrgID != "" {
		tenantLabel = tenantCtx.OrgID
	}
	a.Usage.Report(usagereport.Record{
		Tenant:       tenantLabel,
		Model:        model,
		Provider:     "gateway",
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  totalTokens,
		Timestamp:    time.Now(),
	})
}

// awaitTerminal drains sub.Events until the terminal event or context
// cancellation, discarding assistant deltas (the non-streaming path only
// needs the accumulated payloads carried on the terminal event).
func awaitTerminal(ctx context.Context, sub *eventbus.Subscription) (eventbus.Event, bool) {
	for {
		select {
		case <-ctx.Done():
			return eventbus.Event{}, false
		case event, ok := <-sub.Events:
			if !ok {
				return eventbus.Event{}, false
			}
			if event.IsTerminal() {
				return event, true
			}
		}
	}
}

func extractUsage(metadata map[string]any) (input, output, total int) {
	input = intFromMetadata(metadata, "inputTokens")
	output = intFromMetadata(metadata, "outputTokens")
	total = intFromMetadata(metadata, "totalTokens")
	if total == 0 {
		total = input + output
	}
	return
}

func intFromMetadata(metadata map[string]any, key string) int {
	if metadata == nil {
		return 0
	}
	switch v := metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func nonEmpty(payloads []string) []string {
	out := make([]string, 0, len(payloads))
	for _, p := range payloads {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

func syntheticChunk(runID, model, role, content string) openai.ChatCompletionStreamResponse {
	delta := openai.ChatCompletionStreamChoiceDelta{}
	if role != "" {
		delta.Role = role
	}
	if content != "" {
		delta.Content = content
	}
	return openai.ChatCompletionStreamResponse{
		ID:      runID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{{Index: 0, Delta: delta}},
	}
}

func writeSSEChunk(w http.ResponseWriter, chunk openai.ChatCompletionStreamResponse) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeSSEDone(w http.ResponseWriter) {
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
}

func streamLabel(stream bool) string {
	if stream {
		return "stream"
	}
	return "sync"
}

func writeError(w http.ResponseWriter, status int, errType, message string, remediation ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{
		"message": message,
		"type":    errType,
	}
	if len(remediation) > 0 {
		body["remediation"] = remediation
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}

func writeBillingError(w http.ResponseWriter, gerr *gwerrors.Error) {
	message := gerr.UserMessage
	if message == "" {
		message = gerr.Message
	}
	status := gerr.Status
	if status == 0 {
		status = http.StatusPaymentRequired
	}
	writeError(w, status, "billing_error", message, gerr.Remediation...)
}

// writeGatewayError renders a *gwerrors.Error using its own code and
// status, for error paths that aren't billing-specific.
func writeGatewayError(w http.ResponseWriter, gerr *gwerrors.Error) {
	message := gerr.UserMessage
	if message == "" {
		message = gerr.Message
	}
	status := gerr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeError(w, status, string(gerr.Code), message, gerr.Remediation...)
}

func bearerFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	}
	return ""
}
