package sprint

import "regexp"

// CredentialKeywords matches text describing work only a human can do:
// supplying secrets, completing logins, pasting API keys. Task descriptions
// matching it are marked user-action instead of being attempted; service
// logs matching it classify a startup failure as an external blocker.
var CredentialKeywords = regexp.MustCompile(`(?i)(api[ _-]?key|credential|secret|password|\.env\b|auth token|access token|sign[ -]?in|log[ -]?in with|oauth)`)
