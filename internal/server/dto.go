package server

import (
	"remedy/internal/domain"
	"remedy/internal/engine"
	"remedy/internal/query"
)

// Request payloads

type CreateRemediationRequest struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Action     string  `json:"action,omitempty" enum:"remove,restore"`
	RestoreKey *string `json:"restore_key,omitempty"`
	Comment    *string `json:"comment,omitempty"`
}

type BulkCreateRequest struct {
	Type   string   `json:"type"`
	Action string   `json:"action,omitempty" enum:"remove,restore"`
	Text   string   `json:"text,omitempty" doc:"Newline-delimited observable values; blank lines are skipped"`
	Values []string `json:"values,omitempty"`
}

type IDsRequest struct {
	IDs     []string `json:"ids"`
	Comment *string  `json:"comment,omitempty"`
}

type ViewFilterRequest struct {
	Field string `json:"field"`
	Value string `json:"value,omitempty" doc:"Empty value clears the filter for the field"`
}

type ViewSortRequest struct {
	Field string `json:"field"`
	Dir   string `json:"dir,omitempty" enum:"asc,desc"`
}

type ViewPageRequest struct {
	Token string `json:"token" enum:"start,backward,forward,end"`
}

type ViewSizeRequest struct {
	Size int `json:"size"`
}

type SaveViewRequest struct {
	Name string `json:"name"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// Response payloads

type RemediationResponse struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Action     string  `json:"action" enum:"remove,restore"`
	Status     string  `json:"status" enum:"NEW,QUEUED,IN_PROGRESS,COMPLETED,FAILED,CANCELLED"`
	Remediator string  `json:"remediator,omitempty"`
	Result     *string `json:"result,omitempty"`
	RestoreKey *string `json:"restore_key,omitempty"`
	Attempts   int     `json:"attempts"`
	CreatedBy  string  `json:"created_by"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type CreateRemediationResponse struct {
	RemediationResponse
	Queued  bool   `json:"queued"`
	Warning string `json:"warning,omitempty"`
}

type BulkCreateResponse struct {
	Created  int                `json:"created"`
	Queued   int                `json:"queued"`
	Failures []engine.OpFailure `json:"failures,omitempty"`
	Warning  string             `json:"warning,omitempty"`
}

type AffectedResponse struct {
	Affected int                `json:"affected"`
	Failures []engine.OpFailure `json:"failures,omitempty"`
}

type DeleteManyResponse struct {
	Deleted int                `json:"deleted"`
	Failed  []engine.OpFailure `json:"failed,omitempty"`
}

type HistoryEntryResponse struct {
	ID         int64  `json:"id"`
	RequestID  string `json:"request_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	TS         string `json:"ts" format:"date-time"`
	Detail     string `json:"detail,omitempty"`
}

type ViewStateResponse struct {
	Filters   map[string]string `json:"filters"`
	SortField string            `json:"sort_field"`
	SortDir   string            `json:"sort_dir" enum:"asc,desc"`
	Offset    int               `json:"offset"`
	Size      int               `json:"size"`
}

type WindowResponse struct {
	Items   []RemediationResponse `json:"items"`
	Total   int                   `json:"total"`
	Offset  int                   `json:"offset"`
	Size    int                   `json:"size"`
	Display string                `json:"display"`
	State   ViewStateResponse     `json:"state"`
}

type HistoryWindowResponse struct {
	Entries []HistoryEntryResponse `json:"entries"`
	Total   int                    `json:"total"`
	Offset  int                    `json:"offset"`
	Size    int                    `json:"size"`
	Display string                 `json:"display"`
}

type paginatedRemediations struct {
	Items []RemediationResponse `json:"items"`
	Total int                   `json:"total"`
}

type paginatedHistory struct {
	Items      []HistoryEntryResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type RemediatorResponse struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type SavedViewResponse struct {
	Name      string            `json:"name"`
	Filters   map[string]string `json:"filters"`
	SortField string            `json:"sort_field"`
	SortDir   string            `json:"sort_dir"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mapping helpers

func remediationResponse(r domain.Remediation) RemediationResponse {
	return RemediationResponse{
		ID:         r.ID,
		Type:       r.Type,
		Value:      r.Value,
		Action:     r.Action,
		Status:     r.Status,
		Remediator: r.Remediator,
		Result:     r.Result,
		RestoreKey: r.RestoreKey,
		Attempts:   r.Attempts,
		CreatedBy:  r.CreatedBy,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func mapRemediations(items []domain.Remediation) []RemediationResponse {
	res := make([]RemediationResponse, 0, len(items))
	for _, r := range items {
		res = append(res, remediationResponse(r))
	}
	return res
}

func historyEntryResponse(h domain.HistoryEntry) HistoryEntryResponse {
	return HistoryEntryResponse{
		ID:         h.ID,
		RequestID:  h.RequestID,
		FromStatus: h.FromStatus,
		ToStatus:   h.ToStatus,
		ActorID:    h.ActorID,
		TS:         h.TS,
		Detail:     h.Detail,
	}
}

func mapHistory(items []domain.HistoryEntry) []HistoryEntryResponse {
	res := make([]HistoryEntryResponse, 0, len(items))
	for _, h := range items {
		res = append(res, historyEntryResponse(h))
	}
	return res
}

func viewStateResponse(st domain.ViewState) ViewStateResponse {
	filters := st.Filters
	if filters == nil {
		filters = map[string]string{}
	}
	return ViewStateResponse{
		Filters:   filters,
		SortField: st.SortField,
		SortDir:   st.SortDir,
		Offset:    st.Offset,
		Size:      st.Size,
	}
}

func windowResponse(w query.Window) WindowResponse {
	return WindowResponse{
		Items:   mapRemediations(w.Items),
		Total:   w.Total,
		Offset:  w.Offset,
		Size:    w.Size,
		Display: w.Display,
		State:   viewStateResponse(w.State),
	}
}

func historyWindowResponse(w query.HistoryWindow) HistoryWindowResponse {
	return HistoryWindowResponse{
		Entries: mapHistory(w.Entries),
		Total:   w.Total,
		Offset:  w.Offset,
		Size:    w.Size,
		Display: w.Display,
	}
}

func savedViewResponse(v domain.SavedView) SavedViewResponse {
	filters := v.Filters
	if filters == nil {
		filters = map[string]string{}
	}
	return SavedViewResponse{
		Name:      v.Name,
		Filters:   filters,
		SortField: v.SortField,
		SortDir:   v.SortDir,
		CreatedAt: v.CreatedAt,
		UpdatedAt: v.UpdatedAt,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
