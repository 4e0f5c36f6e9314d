package gen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/protobus/internal/codec"
)

func fakeResolver(views map[string]*codec.MessageView) TypeResolver {
	return func(fqName string) (*codec.MessageView, error) {
		v, ok := views[fqName]
		if !ok {
			return nil, &codec.UnknownTypeError{Name: fqName}
		}
		return v, nil
	}
}

func TestGenerateProducesOneStructPerDistinctMessage(t *testing.T) {
	service := &codec.ServiceView{
		FullName: "demo.math.Calculator",
		Methods: []codec.MethodView{
			{Name: "Add", InputType: "demo.math.AddRequest", OutputType: "demo.math.AddResponse"},
			{Name: "Multiply", InputType: "demo.math.AddRequest", OutputType: "demo.math.AddResponse"},
		},
	}
	views := map[string]*codec.MessageView{
		"demo.math.AddRequest": {
			FullName: "demo.math.AddRequest",
			Fields: []codec.FieldView{
				{Name: "a", GoType: "int64"},
				{Name: "b", GoType: "int64"},
			},
		},
		"demo.math.AddResponse": {
			FullName: "demo.math.AddResponse",
			Fields: []codec.FieldView{
				{Name: "sum", GoType: "int64"},
			},
		},
	}

	src, err := Generate(Options{
		PackageName: "mathclient",
		Service:     service,
		Resolve:     fakeResolver(views),
	})
	require.NoError(t, err)

	out := string(src)
	assert.Contains(t, out, "package mathclient")
	assert.Contains(t, out, "type AddRequest struct")
	assert.Contains(t, out, "type AddResponse struct")
	assert.Contains(t, out, "func (c *CalculatorClient) Add(ctx context.Context, in AddRequest) (AddResponse, error)")
	assert.Contains(t, out, "func (c *CalculatorClient) Multiply(ctx context.Context, in AddRequest) (AddResponse, error)")
	assert.Contains(t, out, `c.proxy.Call(ctx, "demo.math.Calculator.Add"`)

	// Only one struct/converter pair per distinct message, even though
	// both methods reuse the same request/response types.
	assert.Equal(t, 1, strings.Count(out, "type AddRequest struct"))
	assert.Equal(t, 1, strings.Count(out, "func recordFromAddRequest"))
}

func TestGenerateRejectsServiceWithNoMethods(t *testing.T) {
	_, err := Generate(Options{
		PackageName: "empty",
		Service:     &codec.ServiceView{FullName: "demo.empty.Nothing"},
		Resolve:     fakeResolver(nil),
	})
	assert.Error(t, err)
}

func TestGenerateWrapsResolverErrors(t *testing.T) {
	service := &codec.ServiceView{
		FullName: "demo.math.Calculator",
		Methods: []codec.MethodView{
			{Name: "Add", InputType: "demo.math.Missing", OutputType: "demo.math.Missing"},
		},
	}
	_, err := Generate(Options{
		PackageName: "mathclient",
		Service:     service,
		Resolve:     fakeResolver(nil),
	})
	assert.Error(t, err)
}
