package codec

import (
	"fmt"

	"github.com/jhump/protoreflect/desc"
	"google.golang.org/protobuf/types/descriptorpb"
)

// FieldView is a code-generator-friendly description of one message
// field, used by cmd/protobusgen to emit typed proxy structs without
// that tool needing to depend on protoreflect's descriptor types itself.
type FieldView struct {
	Name     string
	GoType   string
	Repeated bool
}

// MessageView is a flattened, generator-friendly view of a message type.
type MessageView struct {
	FullName string
	Fields   []FieldView
}

// MethodView describes one RPC method for proxy generation.
type MethodView struct {
	Name       string
	InputType  string
	OutputType string
}

// ServiceView describes one service for proxy generation.
type ServiceView struct {
	FullName string
	Methods  []MethodView
}

// ExportTypeView renders fqName's message shape as a MessageView. Scalar
// wrapper fields are reported using the scalar's own Go type (e.g.
// "*big.Int" for bigint) rather than the underlying wire message, so
// generated code gets a natural Go signature instead of a synthetic
// wrapper struct.
func (r *SchemaRegistry) ExportTypeView(fqName string) (*MessageView, error) {
	md, ok := r.LookupMessage(fqName)
	if !ok {
		return nil, &UnknownTypeError{Name: fqName}
	}

	view := &MessageView{FullName: md.GetFullyQualifiedName()}
	for _, fd := range md.GetFields() {
		view.Fields = append(view.Fields, FieldView{
			Name:     fd.GetName(),
			GoType:   r.goTypeForField(fd),
			Repeated: fd.IsRepeated() && !fd.IsMap(),
		})
	}
	return view, nil
}

// ExportServiceView renders fqName's method set as a ServiceView.
func (r *SchemaRegistry) ExportServiceView(fqName string) (*ServiceView, error) {
	sd, ok := r.LookupService(fqName)
	if !ok {
		return nil, &UnknownTypeError{Name: fqName}
	}

	view := &ServiceView{FullName: sd.GetFullyQualifiedName()}
	for _, m := range sd.GetMethods() {
		view.Methods = append(view.Methods, MethodView{
			Name:       m.GetName(),
			InputType:  m.GetInputType().GetFullyQualifiedName(),
			OutputType: m.GetOutputType().GetFullyQualifiedName(),
		})
	}
	return view, nil
}

func (r *SchemaRegistry) goTypeForField(fd *desc.FieldDescriptor) string {
	if fd.GetType() == descriptorpb.FieldDescriptorProto_TYPE_MESSAGE {
		fqName := fd.GetMessageType().GetFullyQualifiedName()
		if scalarName, ok := r.scalarNameForMessage(fqName); ok {
			switch scalarName {
			case "bigint":
				return "*big.Int"
			case "timestamp":
				return "time.Time"
			default:
				return "any"
			}
		}
		return "codec.Record"
	}
	if fd.GetType() == descriptorpb.FieldDescriptorProto_TYPE_ENUM {
		return "string"
	}
	return goTypeForScalarKind(fd.GetType())
}

func goTypeForScalarKind(t descriptorpb.FieldDescriptorProto_Type) string {
	switch t {
	case descriptorpb.FieldDescriptorProto_TYPE_STRING:
		return "string"
	case descriptorpb.FieldDescriptorProto_TYPE_BYTES:
		return "[]byte"
	case descriptorpb.FieldDescriptorProto_TYPE_BOOL:
		return "bool"
	case descriptorpb.FieldDescriptorProto_TYPE_INT32, descriptorpb.FieldDescriptorProto_TYPE_SINT32, descriptorpb.FieldDescriptorProto_TYPE_SFIXED32:
		return "int32"
	case descriptorpb.FieldDescriptorProto_TYPE_INT64, descriptorpb.FieldDescriptorProto_TYPE_SINT64, descriptorpb.FieldDescriptorProto_TYPE_SFIXED64:
		return "int64"
	case descriptorpb.FieldDescriptorProto_TYPE_UINT32, descriptorpb.FieldDescriptorProto_TYPE_FIXED32:
		return "uint32"
	case descriptorpb.FieldDescriptorProto_TYPE_UINT64, descriptorpb.FieldDescriptorProto_TYPE_FIXED64:
		return "uint64"
	case descriptorpb.FieldDescriptorProto_TYPE_FLOAT:
		return "float32"
	case descriptorpb.FieldDescriptorProto_TYPE_DOUBLE:
		return "float64"
	default:
		return fmt.Sprintf("any /* %s */", t.String())
	}
}
