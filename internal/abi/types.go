// Package abi holds the types shared by every runtime backend: the
// capabilities attached to a registration, and the error taxonomy the
// HTTP boundary maps to status codes.
package abi

// Capabilities is the small record of permissions/resources a caller
// attaches to a registration at initialize time.
type Capabilities struct {
	MemoryLimitPages uint32   `json:"memory_limit_pages,omitempty"`
	AllowedHosts     []string `json:"allowed_hosts,omitempty"`
	EnableNN         bool     `json:"enable_nn,omitempty"`
	OutputTensor     string   `json:"output_tensor,omitempty"`
}

// InitRequest is the envelope a POST /{container_id}/init body decodes
// into: capabilities plus the base64-encoded precompiled module bytes.
type InitRequest struct {
	Capabilities      Capabilities `json:"capabilities"`
	CompiledModuleB64 string       `json:"compiled_module"`
}
