package shared

// ProtocolVersion is the MCP protocol revision this server speaks.
const ProtocolVersion = "2024-11-05"

// MCP method names
const (
	// Core methods
	MethodInitialize = "initialize"
	MethodPing       = "ping"
	MethodShutdown   = "shutdown"

	// Client notifications
	MethodInitialized = "notifications/initialized"
	MethodCancelled   = "notifications/cancelled"
)

// ServerInfo identifies the server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises what the server supports. The transport layer
// itself has no capabilities to declare; embedders extend this.
type Capabilities struct {
	Experimental map[string]interface{} `json:"experimental,omitempty"`
}

// InitializeResult represents the result of the initialize method
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Capabilities    Capabilities `json:"capabilities"`
	Instructions    string       `json:"instructions,omitempty"`
}
