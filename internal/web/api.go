package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/foreman/internal/schedule"
	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Requests
	mux.HandleFunc("POST /api/requests", s.createRequest)
	mux.HandleFunc("GET /api/requests", s.listRequests)
	mux.HandleFunc("GET /api/requests/{id}", s.getRequest)

	// Workflows
	mux.HandleFunc("GET /api/workflows", s.listWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.getWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/execute", s.executeWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", s.cancelWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/deliverables", s.listDeliverables)

	// Agents and clients
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/clients", s.listClients)
	mux.HandleFunc("POST /api/clients", s.saveClient)
	mux.HandleFunc("DELETE /api/clients/{id}", s.deleteClient)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var in workflow.RequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(in.Content) == "" {
		jsonError(w, "content is required", http.StatusBadRequest)
		return
	}
	if in.Source == "" {
		in.Source = "web"
	}

	res, err := s.intake.CreateAndProcessRequest(r.Context(), in)
	if err != nil {
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Location", "/api/workflows/"+res.WorkflowID)
	jsonStatus(w, http.StatusCreated, res)
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.store.ListRequests(r.Context(), workflow.RequestStatus(r.URL.Query().Get("status")), queryLimit(r))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if reqs == nil {
		reqs = []*workflow.Request{}
	}
	jsonResponse(w, reqs)
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req == nil {
		jsonError(w, "request not found", http.StatusNotFound)
		return
	}

	out := map[string]any{"request": req}
	if cls, err := s.store.GetClassification(r.Context(), req.ID); err == nil && cls != nil {
		out["classification"] = cls
	}
	jsonResponse(w, out)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wfs, err := s.store.ListWorkflows(r.Context(), workflow.WorkflowFilter{
		Status:   workflow.WorkflowStatus(q.Get("status")),
		ClientID: q.Get("client_id"),
		Limit:    queryLimit(r),
	})
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if wfs == nil {
		wfs = []*workflow.Workflow{}
	}
	jsonResponse(w, wfs)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.GetWorkflowStatus(r.Context(), r.PathValue("id"))
	if errors.Is(err, workflow.ErrWorkflowNotFound) {
		jsonError(w, "workflow not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, st)
}

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if wf == nil {
		jsonError(w, "workflow not found", http.StatusNotFound)
		return
	}
	if wf.Status == workflow.WorkflowCompleted || wf.Status == workflow.WorkflowCancelled {
		jsonError(w, fmt.Sprintf("workflow is %s", wf.Status), http.StatusConflict)
		return
	}
	if s.engine.Busy(id) {
		jsonError(w, workflow.ErrWorkflowBusy.Error(), http.StatusConflict)
		return
	}

	ev := workflow.ExecuteEvent{WorkflowID: wf.ID, RequestID: wf.RequestID, ClientID: wf.ClientID}
	if err := s.dispatcher.Dispatch(r.Context(), ev); err != nil {
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	jsonStatus(w, http.StatusAccepted, map[string]string{"status": "dispatched", "workflow_id": wf.ID})
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	skipped, err := s.engine.CancelWorkflow(r.Context(), r.PathValue("id"))
	if errors.Is(err, workflow.ErrWorkflowNotFound) {
		jsonError(w, "workflow not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	jsonResponse(w, map[string]any{"status": "cancelled", "skipped": skipped})
}

func (s *Server) listDeliverables(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if wf == nil {
		jsonError(w, "workflow not found", http.StatusNotFound)
		return
	}
	ds, err := s.store.ListDeliverables(r.Context(), id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ds == nil {
		ds = []*workflow.Deliverable{}
	}
	jsonResponse(w, ds)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		model := a.Model
		if s.registry != nil {
			model = s.registry.ResolveModel(a.Type)
		}
		out = append(out, map[string]any{
			"id":          a.ID,
			"type":        a.Type,
			"name":        a.Name,
			"description": a.Description,
			"model":       model,
			"temperature": a.Temperature,
			"max_tokens":  a.MaxTokens,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if clients == nil {
		clients = []*workflow.Client{}
	}
	jsonResponse(w, clients)
}

func (s *Server) saveClient(w http.ResponseWriter, r *http.Request) {
	var c workflow.Client
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if c.Name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if err := s.store.SaveClient(r.Context(), &c); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonStatus(w, http.StatusCreated, c)
}

func (s *Server) deleteClient(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteClient(r.Context(), r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSchedules(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, rs := range list {
		out = append(out, scheduleToAPI(rs))
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		ClientID string `json:"client_id"`
		Schedule string `json:"schedule"`
		Subject  string `json:"subject"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || strings.TrimSpace(body.Content) == "" {
		jsonError(w, "name, schedule and content are required", http.StatusBadRequest)
		return
	}

	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	rs := &store.RequestSchedule{
		ID:        uuid.New().String(),
		ClientID:  body.ClientID,
		Name:      body.Name,
		Schedule:  normalized,
		Subject:   body.Subject,
		Content:   body.Content,
		Status:    "active",
		NextRunAt: schedule.FirstRun(normalized, time.Now()),
	}
	if err := s.store.SaveSchedule(r.Context(), rs); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonStatus(w, http.StatusCreated, scheduleToAPI(rs))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name     *string `json:"name"`
		Schedule *string `json:"schedule"`
		Subject  *string `json:"subject"`
		Content  *string `json:"content"`
		Enabled  *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Subject != nil {
		existing.Subject = *body.Subject
	}
	if body.Content != nil {
		existing.Content = *body.Content
	}
	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = "active"
		} else if existing.Status != "completed" {
			existing.Status = "paused"
		}
	}
	if body.Schedule != nil {
		normalized, err := schedule.Normalize(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}

	if existing.Status == "active" {
		existing.NextRunAt = schedule.FirstRun(existing.Schedule, time.Now())
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveSchedule(r.Context(), existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, scheduleToAPI(existing))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.Context(), r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agents, _ := s.store.ListAgents(ctx)
	schedules, _ := s.store.ListSchedules(ctx)

	counts := make(map[workflow.WorkflowStatus]int)
	for _, st := range []workflow.WorkflowStatus{
		workflow.WorkflowDraft, workflow.WorkflowRunning, workflow.WorkflowCompleted,
		workflow.WorkflowFailed, workflow.WorkflowCancelled,
	} {
		wfs, err := s.store.ListWorkflows(ctx, workflow.WorkflowFilter{Status: st, Limit: 1000})
		if err == nil {
			counts[st] = len(wfs)
		}
	}

	activeSchedules := 0
	for _, rs := range schedules {
		if rs.Status == "active" {
			activeSchedules++
		}
	}

	natsStatus := "disabled"
	if s.nats != nil {
		natsStatus = "ok"
	}

	jsonResponse(w, map[string]any{
		"status":           "ok",
		"agents_count":     len(agents),
		"workflows":        counts,
		"active_schedules": activeSchedules,
		"ws_clients":       s.hub.Len(),
		"uptime":           formatUptime(time.Since(s.startedAt)),
		"nats":             natsStatus,
		"timestamp":        time.Now().UTC(),
		"version":          s.version,
	})
}

func scheduleToAPI(rs *store.RequestSchedule) map[string]any {
	m := map[string]any{
		"id":               rs.ID,
		"name":             rs.Name,
		"client_id":        rs.ClientID,
		"schedule":         rs.Schedule,
		"schedule_display": schedule.Describe(rs.Schedule),
		"subject":          rs.Subject,
		"content":          rs.Content,
		"enabled":          rs.Status == "active",
		"status":           rs.Status,
		"last_status":      rs.LastStatus,
	}
	if rs.LastError != "" {
		m["last_error"] = rs.LastError
	}
	if rs.LastRunAt != nil {
		m["last_run"] = rs.LastRunAt.UTC()
	}
	if rs.NextRunAt != nil {
		m["next_run"] = rs.NextRunAt.UTC()
	}
	return m
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, code, map[string]string{"error": msg})
}
