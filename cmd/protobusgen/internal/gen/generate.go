// Package gen builds a typed Go proxy source file for one RPC service
// out of a codec.ServiceView. The struct/method bodies are rendered
// with text/template the way cmd/goby-cli/main.go renders a new
// module's moduleTemplate/handlerTemplate, since there is no existing
// file to splice a call into the way updateModulesFile's
// go/ast+astutil.AddImport does. The rendered text is then round-tripped
// through go/parser and re-emitted with go/format.Node, the same pair
// goby-cli's writeASTToFile uses to serialize a mutated AST back to
// disk, and finished off with golang.org/x/tools/imports for import
// cleanup.
package gen

import (
	"bytes"
	"fmt"
	"go/format"
	"go/parser"
	"go/token"
	"sort"
	"strings"
	"text/template"

	"golang.org/x/tools/imports"

	"github.com/nfrund/protobus/internal/codec"
)

// TypeResolver looks up a message's field shape by fully-qualified proto
// name. cmd/protobusgen satisfies this with a live
// codec.SchemaRegistry.ExportTypeView.
type TypeResolver func(fqName string) (*codec.MessageView, error)

// Options configures one generated proxy file.
type Options struct {
	PackageName string
	Service     *codec.ServiceView
	Resolve     TypeResolver
}

type fieldDef struct {
	GoName    string
	ProtoName string
	GoType    string
}

type structDef struct {
	GoName string
	FQName string
	Fields []fieldDef
}

type methodDef struct {
	GoName       string
	FQMethod     string
	InputStruct  string
	OutputStruct string
}

type templateData struct {
	PackageName string
	ClientName  string
	ServiceName string
	Structs     []structDef
	Methods     []methodDef
}

// Generate renders a gofmt'd, import-clean Go source file declaring one
// request/response struct per distinct message type the service's
// methods touch, plus a Client wrapping a *service.Proxy with one Go
// method per RPC method.
func Generate(opts Options) ([]byte, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("gen: nil service view")
	}
	if len(opts.Service.Methods) == 0 {
		return nil, fmt.Errorf("gen: service %s declares no methods", opts.Service.FullName)
	}

	data := templateData{
		PackageName: opts.PackageName,
		ClientName:  goName(lastSegment(opts.Service.FullName)) + "Client",
		ServiceName: opts.Service.FullName,
	}

	seen := make(map[string]string) // fq name -> chosen Go struct name
	usedNames := make(map[string]bool)

	structFor := func(fqName string) (string, error) {
		if goName, ok := seen[fqName]; ok {
			return goName, nil
		}
		view, err := opts.Resolve(fqName)
		if err != nil {
			return "", fmt.Errorf("gen: resolving %s: %w", fqName, err)
		}
		name := uniqueName(lastSegment(fqName), usedNames)
		def := structDef{GoName: name, FQName: fqName}
		for _, f := range view.Fields {
			goType := f.GoType
			if f.Repeated {
				goType = "[]" + goType
			}
			def.Fields = append(def.Fields, fieldDef{
				GoName:    goName(f.Name),
				ProtoName: f.Name,
				GoType:    goType,
			})
		}
		seen[fqName] = name
		usedNames[name] = true
		data.Structs = append(data.Structs, def)
		return name, nil
	}

	methods := append([]codec.MethodView(nil), opts.Service.Methods...)
	sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })

	for _, m := range methods {
		inStruct, err := structFor(m.InputType)
		if err != nil {
			return nil, err
		}
		outStruct, err := structFor(m.OutputType)
		if err != nil {
			return nil, err
		}
		data.Methods = append(data.Methods, methodDef{
			GoName:       goName(m.Name),
			FQMethod:     opts.Service.FullName + "." + m.Name,
			InputStruct:  inStruct,
			OutputStruct: outStruct,
		})
	}

	var buf bytes.Buffer
	if err := proxyTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("gen: rendering template: %w", err)
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "proxy.go", buf.Bytes(), parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("gen: parsing rendered source: %w", err)
	}

	var formatted bytes.Buffer
	if err := format.Node(&formatted, fset, file); err != nil {
		return nil, fmt.Errorf("gen: formatting AST: %w", err)
	}

	out, err := imports.Process("proxy.go", formatted.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("gen: sorting imports: %w", err)
	}
	return out, nil
}

func lastSegment(fqName string) string {
	idx := strings.LastIndex(fqName, ".")
	if idx < 0 {
		return fqName
	}
	return fqName[idx+1:]
}

func uniqueName(base string, used map[string]bool) string {
	name := goName(base)
	if !used[name] {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s%d", name, i)
		if !used[candidate] {
			return candidate
		}
	}
}

// goName converts a proto identifier (snake_case or already PascalCase)
// into an exported Go identifier.
func goName(protoName string) string {
	parts := strings.FieldsFunc(protoName, func(r rune) bool { return r == '_' })
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	if b.Len() == 0 {
		return protoName
	}
	return b.String()
}

var proxyTemplate = template.Must(template.New("proxy").Parse(`// Code generated by protobusgen. DO NOT EDIT.

package {{.PackageName}}

import (
	"context"

	"github.com/nfrund/protobus/internal/codec"
	"github.com/nfrund/protobus/internal/service"
)

{{range .Structs}}
// {{.GoName}} mirrors {{.FQName}}.
type {{.GoName}} struct {
{{- range .Fields}}
	{{.GoName}} {{.GoType}}
{{- end}}
}
{{end}}

// {{.ClientName}} calls {{.ServiceName}} through a bound service.Proxy.
type {{.ClientName}} struct {
	proxy *service.Proxy
}

// New{{.ClientName}} wraps proxy for calling {{.ServiceName}}.
func New{{.ClientName}}(proxy *service.Proxy) *{{.ClientName}} {
	return &{{.ClientName}}{proxy: proxy}
}

{{range .Methods}}
func (c *{{$.ClientName}}) {{.GoName}}(ctx context.Context, in {{.InputStruct}}) ({{.OutputStruct}}, error) {
	result, err := c.proxy.Call(ctx, "{{.FQMethod}}", recordFrom{{.InputStruct}}(in))
	if err != nil {
		return {{.OutputStruct}}{}, err
	}
	return {{.OutputStruct}}FromRecord(result), nil
}
{{end}}

{{range .Structs}}
func recordFrom{{.GoName}}(v {{.GoName}}) codec.Record {
	return codec.Record{
{{- range .Fields}}
		"{{.ProtoName}}": v.{{.GoName}},
{{- end}}
	}
}

func {{.GoName}}FromRecord(r codec.Record) {{.GoName}} {
	var v {{.GoName}}
{{- range .Fields}}
	if x, ok := r["{{.ProtoName}}"].({{.GoType}}); ok {
		v.{{.GoName}} = x
	}
{{- end}}
	return v
}
{{end}}
`))
