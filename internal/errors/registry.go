package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Configuration Errors (E100-E199)
	// ============================================

	"E101": {
		Category:   CategoryConfig,
		Message:    "Configuration file not found",
		Detail:     "collabd looks for collabd.json in the directory given by --config or the working directory.",
		Suggestion: "Create collabd.json, or pass --config with the directory that contains it.",
	},
	"E102": {
		Category:   CategoryConfig,
		Message:    "Configuration file is not valid JSON",
		Suggestion: "Check collabd.json for trailing commas, unquoted keys, or truncated content.",
	},
	"E103": {
		Category:   CategoryConfig,
		Message:    "Configuration value out of range",
		Suggestion: "See the field named in the detail; timeouts must be positive and the heartbeat interval must be shorter than the read timeout.",
	},
	"E104": {
		Category:   CategoryConfig,
		Message:    "Invalid duration string",
		Detail:     "Durations use Go syntax, e.g. \"15s\", \"2m\", \"500ms\".",
		Suggestion: "Fix the duration named in the detail.",
	},
	"E105": {
		Category:   CategoryConfig,
		Message:    "Configuration file could not be read",
		Suggestion: "Check the file's permissions and that the path is a file, not a directory.",
	},

	// ============================================
	// Authentication Errors (E200-E299)
	// ============================================

	"E201": {
		Category:   CategoryAuth,
		Message:    "Signing secret is not configured",
		Detail:     "Sessions authenticate with tokens signed by a shared secret; without one the server cannot verify anybody.",
		Suggestion: "Set auth.secret in collabd.json, or point auth.secretFile at a file containing the secret.",
	},
	"E202": {
		Category:   CategoryAuth,
		Message:    "Secret file could not be read",
		Suggestion: "Check the auth.secretFile path and its permissions.",
	},
	"E203": {
		Category:   CategoryAuth,
		Message:    "Token could not be issued",
		Suggestion: "Check that the signing secret is configured and non-empty.",
	},

	// ============================================
	// Server Errors (E300-E399)
	// ============================================

	"E301": {
		Category:   CategoryServer,
		Message:    "Server failed to start",
		Suggestion: "Check that the configured address is free and that the process may bind to it.",
	},

	// ============================================
	// CLI Errors (E400-E499)
	// ============================================

	"E401": {
		Category:   CategoryCLI,
		Message:    "Invalid command-line argument",
		Suggestion: "Run 'collabd --help' for usage.",
	},
}
