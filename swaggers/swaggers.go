// Package swaggers embeds the OpenAPI documents used for request validation.
package swaggers

import (
	_ "embed"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed consents.yml
var consentsYML []byte

func Consents() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(consentsYML)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}
	return doc, nil
}
