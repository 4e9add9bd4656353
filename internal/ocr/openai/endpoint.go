package openai

import "strings"

const defaultEndpoint = "https://api.openai.com/v1/chat/completions"

// NormalizeEndpoint completes a user-supplied base URL into a full chat
// completions endpoint. A trailing "#" opts out of completion entirely so
// nonstandard gateways can be addressed verbatim.
func NormalizeEndpoint(endpoint string) string {
	if endpoint == "" {
		return defaultEndpoint
	}
	if strings.HasSuffix(endpoint, "#") {
		return strings.TrimSuffix(endpoint, "#")
	}
	if strings.HasSuffix(endpoint, "/") {
		if strings.HasSuffix(endpoint, "/chat/completions/") {
			return endpoint
		}
		return endpoint + "chat/completions"
	}
	if strings.HasSuffix(endpoint, "/chat/completions") {
		return endpoint
	}
	if strings.HasSuffix(endpoint, "/v1") {
		return endpoint + "/chat/completions"
	}
	return endpoint + "/v1/chat/completions"
}
