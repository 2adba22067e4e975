package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const defaultSpecCacheMaxAge = 3600

// OpenAPIHandler serves the API description in YAML and JSON.
type OpenAPIHandler struct {
	specJSON    []byte
	specYAML    []byte
	cacheMaxAge int
}

// NewOpenAPIHandler creates a handler for yamlSpec. The JSON form is
// computed once; a spec that fails to parse is served as "{}".
func NewOpenAPIHandler(yamlSpec []byte) *OpenAPIHandler {
	h := &OpenAPIHandler{
		specYAML:    yamlSpec,
		cacheMaxAge: defaultSpecCacheMaxAge,
	}

	h.specJSON = toJSON(yamlSpec)

	return h
}

func toJSON(yamlSpec []byte) []byte {
	var spec interface{}
	if err := yaml.Unmarshal(yamlSpec, &spec); err != nil {
		log.Error().
			Err(err).
			Int("yaml_size_bytes", len(yamlSpec)).
			Msg("Failed to parse OpenAPI YAML specification")

		return []byte("{}")
	}

	out, err := json.Marshal(convertMapKeys(spec))
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal OpenAPI specification to JSON")
		return []byte("{}")
	}

	return out
}

// convertMapKeys recursively converts map[interface{}]interface{} to map[string]interface{}.
func convertMapKeys(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(typed))
		for key, value := range typed {
			result[key] = convertMapKeys(value)
		}

		return result
	case map[interface{}]interface{}:
		result := make(map[string]interface{}, len(typed))
		for key, value := range typed {
			result[fmt.Sprint(key)] = convertMapKeys(value)
		}

		return result
	case []interface{}:
		result := make([]interface{}, len(typed))
		for idx, value := range typed {
			result[idx] = convertMapKeys(value)
		}

		return result
	default:
		return v
	}
}

// ServeOpenAPI serves YAML when asked for via ?format=yaml or the Accept
// header, JSON otherwise.
func (h *OpenAPIHandler) ServeOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "yaml" || strings.Contains(r.Header.Get("Accept"), "yaml") {
		h.write(w, "application/x-yaml", h.specYAML)
		return
	}

	h.write(w, "application/json", h.specJSON)
}

func (h *OpenAPIHandler) write(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", h.cacheMaxAge))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
