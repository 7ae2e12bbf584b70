package secrets

// DefaultRules returns the patterns scrubbed from prompts before they leave
// the process.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----[\s\S]*?-----END (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`},
		{ID: "jwt", Pattern: `eyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`},
		{ID: "bearer", Pattern: `(?i)bearer\s+[A-Za-z0-9._~+/=-]{16,}`},
		{ID: "aws-access-key-id", Pattern: `(?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}`},
		{ID: "github-token", Pattern: `gh[pousr]_[A-Za-z0-9]{36}`},
		{ID: "anthropic-key", Pattern: `sk-ant-[A-Za-z0-9_-]{20,}`},
		{ID: "openai-key", Pattern: `sk-(?:proj-)?[A-Za-z0-9_-]{20,}`},
		{ID: "google-api-key", Pattern: `AIza[0-9A-Za-z_-]{35}`},
		{ID: "mongodb-uri", Pattern: `mongodb(?:\+srv)?://[^\s:@/]+:[^\s@/]+@[^\s]+`},
		{ID: "generic-secret", Pattern: `(?i)(?:api[_-]?key|secret|password|passwd|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`},
	}
}
