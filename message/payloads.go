package message

// Response codes carried inside RpcResponse. These are application-level,
// distinct from the envelope Status: the provider derives Status from the
// code (200 ⇒ OK, anything else ⇒ FAIL).
const (
	CodeSuccess = 200
	CodeFail    = 500
)

// RpcRequest asks a provider to invoke one method of one service.
// Parameters are positional and travel as generic JSON values; ParameterTypes
// carries the canonical type name for each, in the same order.
type RpcRequest struct {
	ServiceName    string   `json:"serviceName"`
	MethodName     string   `json:"methodName"`
	ParameterTypes []string `json:"parameterTypes"`
	Parameters     []any    `json:"parameters"`
	Version        string   `json:"version"`
	Group          string   `json:"group"`
}

// ServiceKey derives the lookup key for the requested service.
func (r *RpcRequest) ServiceKey() string {
	return ServiceKey(r.ServiceName, r.Version, r.Group)
}

// RpcResponse is the provider's answer to an RpcRequest.
//
// Code is a pointer so a response that omitted it on the wire is
// distinguishable from an explicit zero; the provider edge coerces a nil
// code to CodeFail with a warning before deriving the envelope status.
type RpcResponse struct {
	Code    *int   `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// OK reports whether the response carries the success code.
// Comparison is by value.
func (r *RpcResponse) OK() bool {
	return r.Code != nil && *r.Code == CodeSuccess
}

// Success builds a 200 response around data.
func Success(data any) *RpcResponse {
	code := CodeSuccess
	return &RpcResponse{Code: &code, Data: data}
}

// Fail builds a 500 response with a diagnostic message.
func Fail(msg string) *RpcResponse {
	code := CodeFail
	return &RpcResponse{Code: &code, Message: msg}
}

// ServiceInfo describes one provider endpoint for one service.
type ServiceInfo struct {
	ServiceName string `json:"serviceName"`
	Version     string `json:"version"`
	Group       string `json:"group"`
	Address     string `json:"address"` // "host:port"
	Weight      int    `json:"weight"`  // ≥ 0; defaults to 1
}

// Normalize defaults the weight and leaves empty strings as-is.
// Consumers and registry must see identical keys, so normalization happens
// before any key derivation.
func (s *ServiceInfo) Normalize() {
	if s.Weight <= 0 {
		s.Weight = 1
	}
}

// ServiceKey derives the registry key for this entry. An entry with an empty
// service name yields an empty key; the registry boundary synthesizes
// "unknown_service_<addr>" in that case.
func (s *ServiceInfo) ServiceKey() string {
	return ServiceKey(s.ServiceName, s.Version, s.Group)
}

// LookupRequest asks the registry for every provider of one service.
type LookupRequest struct {
	ServiceName string `json:"serviceName"`
	Version     string `json:"version"`
	Group       string `json:"group"`
}

// ServiceKey derives the table key with the same rule the registry uses.
func (l *LookupRequest) ServiceKey() string {
	return ServiceKey(l.ServiceName, l.Version, l.Group)
}

// RegistryResponse is the payload of every REG_RESPONSE envelope. For a
// lookup it carries the provider snapshot; for register/unregister (and for
// any failure) Services is empty and Message explains the outcome.
type RegistryResponse struct {
	Message  string        `json:"message,omitempty"`
	Services []ServiceInfo `json:"services,omitempty"`
}

// ServiceKey derives the canonical identifier "name_version_group".
// The underscore join is load-bearing: the registry indexes by this exact
// string and consumer lookups must derive it identically.
func ServiceKey(name, version, group string) string {
	return name + "_" + version + "_" + group
}
