package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	docsPkg "github.com/onexay/revcache/docs"
)

const swaggerUIVersion = "5"

var swaggerPage = fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>revcache API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@%[1]s/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@%[1]s/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({url: 'openapi.json', dom_id: '#swagger-ui', deepLinking: true});
    };
  </script>
</body>
</html>`, swaggerUIVersion)

// openAPIJSON converts the embedded YAML document once.
var openAPIJSON = sync.OnceValues(func() ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(docsPkg.OpenAPI, &doc); err != nil {
		return nil, fmt.Errorf("decode openapi document: %w", err)
	}
	return json.Marshal(doc)
})

func (s *Service) handleSwagger(w http.ResponseWriter, r *http.Request, tail string) {
	switch strings.TrimPrefix(tail, "/") {
	case "", "index.html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(swaggerPage))
	case "openapi.yaml", "openapi.yml":
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(docsPkg.OpenAPI)
	case "openapi.json":
		body, err := openAPIJSON()
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	default:
		http.NotFound(w, r)
	}
}
