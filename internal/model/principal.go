package model

// Principal is the authenticated actor an operation runs for. It is resolved
// once per request and treated as read-only afterwards; its daily operation
// counter lives in the rate limiter, keyed by ID.
type Principal struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	APIKey string `json:"-"`
}

// FieldPermission maps (role, field) to what the role may do with the field.
type FieldPermission struct {
	Role             string `json:"role"`
	Field            string `json:"field"`
	Exportable       bool   `json:"exportable"`
	RequiresApproval bool   `json:"requires_approval"`
}
