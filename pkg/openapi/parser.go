package openapi

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/apivet/apivet/pkg/types"
)

// methodOrder fixes the per-path operation ordering so parse output is
// deterministic regardless of map iteration.
var methodOrder = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// Parser loads OpenAPI 3.x documents from URLs or local files and flattens
// them into the endpoint model the analyzers consume.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) Parse(ctx context.Context, specURL string) (*types.Document, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = true

	var (
		doc *openapi3.T
		err error
	)
	if u, parseErr := url.Parse(specURL); parseErr == nil && (u.Scheme == "http" || u.Scheme == "https") {
		doc, err = loader.LoadFromURI(u)
	} else {
		doc, err = loader.LoadFromFile(specURL)
	}
	if err != nil {
		return nil, fmt.Errorf("loading spec %q: %w", specURL, err)
	}
	if err := doc.Validate(ctx, openapi3.DisableExamplesValidation()); err != nil {
		return nil, fmt.Errorf("invalid spec %q: %w", specURL, err)
	}

	out := &types.Document{
		SecuritySchemes: make(map[string]types.SecurityScheme),
	}
	if doc.Info != nil {
		out.Title = doc.Info.Title
		out.Version = doc.Info.Version
		out.Description = doc.Info.Description
	}
	out.HasGlobalSecurity = len(doc.Security) > 0

	if doc.Components != nil {
		for name, ref := range doc.Components.SecuritySchemes {
			if ref == nil || ref.Value == nil {
				continue
			}
			out.SecuritySchemes[name] = types.SecurityScheme{
				Type:   ref.Value.Type,
				Scheme: ref.Value.Scheme,
			}
		}
	}

	if doc.Paths == nil {
		return out, nil
	}

	pathMap := doc.Paths.Map()
	paths := make([]string, 0, len(pathMap))
	for path := range pathMap {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		item := pathMap[path]
		if item == nil {
			continue
		}
		ops := item.Operations()
		for _, method := range methodOrder {
			op, ok := ops[method]
			if !ok || op == nil {
				continue
			}
			out.Endpoints = append(out.Endpoints, buildEndpoint(path, method, item, op))
		}
	}

	return out, nil
}

func buildEndpoint(path, method string, item *openapi3.PathItem, op *openapi3.Operation) types.Endpoint {
	ep := types.Endpoint{
		Path:        path,
		Method:      method,
		OperationID: op.OperationID,
		Summary:     op.Summary,
		Description: op.Description,
		Deprecated:  op.Deprecated,
		HasSecurity: op.Security != nil && len(*op.Security) > 0,
		Responses:   make(map[string]types.ResponseSpec),
	}

	for _, ref := range append(append(openapi3.Parameters{}, item.Parameters...), op.Parameters...) {
		if ref == nil || ref.Value == nil {
			continue
		}
		param := ref.Value
		var loc types.ParameterLocation
		switch param.In {
		case openapi3.ParameterInPath:
			loc = types.LocationPath
		case openapi3.ParameterInQuery:
			loc = types.LocationQuery
		case openapi3.ParameterInHeader:
			loc = types.LocationHeader
		default:
			continue
		}
		ep.Parameters = append(ep.Parameters, types.Parameter{
			Name:     param.Name,
			Location: loc,
			Required: param.Required,
			Example:  exampleString(param),
		})
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		ep.HasBody = true
		if media := op.RequestBody.Value.Content.Get("application/json"); media != nil && media.Schema != nil && media.Schema.Value != nil {
			ep.BodyFields = propertyNames(media.Schema.Value)
		}
	}

	if op.Responses != nil {
		for status, ref := range op.Responses.Map() {
			if ref == nil || ref.Value == nil {
				continue
			}
			spec := types.ResponseSpec{}
			if ref.Value.Description != nil {
				spec.Description = *ref.Value.Description
			}
			if media := ref.Value.Content.Get("application/json"); media != nil && media.Schema != nil && media.Schema.Value != nil {
				spec.Type = schemaType(media.Schema.Value)
				spec.Fields = propertyNames(media.Schema.Value)
			}
			ep.Responses[status] = spec
		}
	}

	return ep
}

func exampleString(param *openapi3.Parameter) string {
	if param.Example != nil {
		return fmt.Sprintf("%v", param.Example)
	}
	if param.Schema != nil && param.Schema.Value != nil && param.Schema.Value.Example != nil {
		return fmt.Sprintf("%v", param.Schema.Value.Example)
	}
	return ""
}

func propertyNames(schema *openapi3.Schema) []string {
	if len(schema.Properties) == 0 {
		return nil
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func schemaType(schema *openapi3.Schema) string {
	if schema.Type == nil {
		return ""
	}
	for _, t := range []string{openapi3.TypeObject, openapi3.TypeArray, openapi3.TypeString, openapi3.TypeNumber, openapi3.TypeInteger, openapi3.TypeBoolean} {
		if schema.Type.Is(t) {
			return t
		}
	}
	return strings.Join(schema.Type.Slice(), ",")
}
