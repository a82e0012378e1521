package payload

import "time"

type IssueSessionRequest struct {
	UserID        int64    `json:"idUser"        validate:"required,gt=0"`
	CustomerID    int64    `json:"idCustomer"    validate:"gte=0"`
	PbxID         int64    `json:"idPbx"         validate:"gte=0"`
	Grants        []string `json:"grants"        validate:"dive,required"`
	Persistent    bool     `json:"persistent"`
	PbxSupplier   string   `json:"pbxSupplier"`
	ApplicationID string   `json:"applicationId"`
	Source        string   `json:"source"        validate:"omitempty,oneof=MOBILE"`
}

type IssueSessionResponse struct {
	Token string `json:"token"`
}

type SessionResponse struct {
	UserID        int64           `json:"idUser"`
	CustomerID    int64           `json:"idCustomer"`
	PbxID         int64           `json:"idPbx"`
	PbxSupplier   string          `json:"pbxSupplier,omitempty"`
	ApplicationID string          `json:"applicationId,omitempty"`
	Grants        []string        `json:"grants"`
	Features      map[string]bool `json:"features,omitempty"`
}

// ListSessionsResponse never carries usable tokens, only their masked form.
type ListSessionsResponse struct {
	Count        int      `json:"count"`
	MaskedTokens []string `json:"masked_tokens"`
}

type UpdateGrantsRequest struct {
	Grants []string `json:"grants" validate:"required,dive,required"`
}

type PropagationSummary struct {
	Candidates       int `json:"candidates"`
	Unchanged        int `json:"unchanged"`
	MarkedForRefresh int `json:"marked_for_refresh"`
	Revoked          int `json:"revoked"`
	Reissued         int `json:"reissued"`
	Pruned           int `json:"pruned"`
	Failed           int `json:"failed"`
}

type UpdateGrantsResponse struct {
	Ephemeral PropagationSummary `json:"ephemeral"`
	Device    PropagationSummary `json:"device"`
	Total     PropagationSummary `json:"total"`
	Errors    map[string]string  `json:"errors,omitempty"`
}

type NewDeviceSessionRequest struct {
	UserID        int64           `json:"user_id"        validate:"required,gt=0"`
	CustomerID    int64           `json:"customer_id"    validate:"gte=0"`
	PbxID         int64           `json:"pbx_id"         validate:"gte=0"`
	PbxSupplier   string          `json:"pbx_supplier"`
	ApplicationID string          `json:"application_id"`
	Grants        []string        `json:"grants"         validate:"dive,required"`
	Features      map[string]bool `json:"features"`
	OS            string          `json:"os"             validate:"required,oneof=ANDROID iOS"`
}

type DeviceTokensResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type DeviceSessionResponse struct {
	UserID        int64           `json:"user_id"`
	CustomerID    int64           `json:"customer_id"`
	PbxID         int64           `json:"pbx_id"`
	PbxSupplier   string          `json:"pbx_supplier,omitempty"`
	ApplicationID string          `json:"application_id,omitempty"`
	Grants        []string        `json:"grants"`
	Features      map[string]bool `json:"features"`
	OS            string          `json:"os"`
	UserAgent     string          `json:"user_agent,omitempty"`
	HasGCMToken   bool            `json:"has_gcm_token"`
	HasAPNToken   bool            `json:"has_apn_token"`
	HasVoipToken  bool            `json:"has_apn_voip_token"`
	CreatedAt     time.Time       `json:"created"`
	LastSeenAt    time.Time       `json:"last_seen"`
	RefreshedAt   *time.Time      `json:"refreshed,omitempty"`
	RefreshCount  int64           `json:"refresh_count"`
}

type RegisterAPNTokenRequest struct {
	Token     string `json:"token"      validate:"required"`
	IsSandbox bool   `json:"is_sandbox"`
	IsVoip    bool   `json:"is_voip"`
}

type RegisterGCMTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}
