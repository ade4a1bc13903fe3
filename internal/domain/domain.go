package domain

import "strings"

const (
	StatusNew        = "NEW"
	StatusQueued     = "QUEUED"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"
)

const (
	ActionRemove  = "remove"
	ActionRestore = "restore"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

type Remediation struct {
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

type HistoryEntry struct {
	ID         int64  `json:"id"`
	RequestID  string `json:"request_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	TS         string `json:"ts" format:"date-time"`
	Detail     string `json:"detail,omitempty"`
}

type Lease struct {
	RequestID  string `json:"request_id"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type Outcome struct {
	Status     string `json:"status" enum:"success,error"`
	Message    string `json:"message,omitempty"`
	RestoreKey string `json:"restore_key,omitempty"`
}

type ViewState struct {
	Filters   map[string]string `json:"filters"`
	SortField string            `json:"sort_field"`
	SortDir   string            `json:"sort_dir" enum:"asc,desc"`
	Offset    int               `json:"offset"`
	Size      int               `json:"size"`
}

type SavedView struct {
	ActorID   string            `json:"actor_id"`
	Name      string            `json:"name"`
	Filters   map[string]string `json:"filters"`
	SortField string            `json:"sort_field"`
	SortDir   string            `json:"sort_dir"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
	RevokedAt string `json:"revoked_at,omitempty"`
}

func ValidStatus(s string) bool {
	switch s {
	case StatusNew, StatusQueued, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TerminalStatus reports whether no further automatic transition can occur
// without an explicit operator action.
func TerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func InverseAction(action string) string {
	if action == ActionRemove {
		return ActionRestore
	}
	return ActionRemove
}

// SplitValues breaks bulk input into observable values: one per line, any
// line-ending style, blank lines dropped.
func SplitValues(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if v := strings.TrimSpace(line); v != "" {
			out = append(out, v)
		}
	}
	return out
}
