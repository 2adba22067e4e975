package admin

import (
	_ "embed"
)

// OpenAPISpec describes the proxy, API and health routes.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
