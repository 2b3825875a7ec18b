package errors

import (
	"encoding/json"
	"net/http"
)

// Problem type URIs
const (
	TypeValidationError = "https://mmcore.local/problems/validation-error"
	TypeNotFound        = "https://mmcore.local/problems/not-found"
	TypeConflict        = "https://mmcore.local/problems/conflict"
	TypeBadGateway      = "https://mmcore.local/problems/venue-error"
	TypeInternalError   = "https://mmcore.local/problems/internal-error"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	for k, v := range p.Extra {
		result[k] = v
	}
	return json.Marshal(result)
}

// NewProblemDetails creates a custom problem details
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     problemType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

// ToProblem maps an engine error to a problem response by kind
func ToProblem(err error, instance string) *ProblemDetails {
	switch KindOf(err) {
	case KindValidation:
		return NewProblemDetails(TypeValidationError, "Validation Error", http.StatusBadRequest, err.Error(), instance)
	case KindNotFound:
		return NewProblemDetails(TypeNotFound, "Not Found", http.StatusNotFound, err.Error(), instance)
	case KindConflict:
		return NewProblemDetails(TypeConflict, "Conflict", http.StatusConflict, err.Error(), instance)
	case KindConnectivity, KindBalance, KindFatal:
		return NewProblemDetails(TypeBadGateway, "Venue Error", http.StatusBadGateway, err.Error(), instance).
			WithExtra("kind", KindOf(err))
	default:
		return NewProblemDetails(TypeInternalError, "Internal Server Error", http.StatusInternalServerError, err.Error(), instance)
	}
}
