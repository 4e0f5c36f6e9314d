package codec

import (
	"fmt"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Record is the framework's native representation of a decoded message:
// a plain map from field name to Go value, so handler code never needs
// to import github.com/jhump/protoreflect/dynamic itself. Scalar-wrapper
// fields (spec.md §4.2, e.g. a field of type protobus.scalars.bigint)
// are transparently unwrapped to the scalar's Decode result (*big.Int,
// time.Time, ...); nested messages become nested Records; repeated
// fields become []any; enum fields become their symbolic name.
type Record map[string]any

// toRecord converts a fully-populated dynamic message into a Record,
// resolving any custom scalar wrapper fields along the way.
func (r *SchemaRegistry) toRecord(msg *dynamic.Message) (Record, error) {
	md := msg.GetMessageDescriptor()
	rec := make(Record, len(md.GetFields()))

	for _, fd := range md.GetFields() {
		if !msg.HasField(fd) {
			continue
		}
		if fd.IsRepeated() && !fd.IsMap() {
			n := msg.FieldLength(fd)
			vals := make([]any, 0, n)
			for i := 0; i < n; i++ {
				item := msg.GetRepeatedField(fd, i)
				v, err := r.decodeFieldValue(fd, item)
				if err != nil {
					return nil, err
				}
				vals = append(vals, v)
			}
			rec[fd.GetName()] = vals
			continue
		}

		v, err := r.decodeFieldValue(fd, msg.GetField(fd))
		if err != nil {
			return nil, err
		}
		rec[fd.GetName()] = v
	}
	return rec, nil
}

func (r *SchemaRegistry) decodeFieldValue(fd *desc.FieldDescriptor, raw any) (any, error) {
	switch fd.GetType() {
	case descriptorpb.FieldDescriptorProto_TYPE_MESSAGE:
		sub, ok := raw.(*dynamic.Message)
		if !ok || sub == nil {
			return nil, nil
		}
		fqName := fd.GetMessageType().GetFullyQualifiedName()
		if scalarName, ok := r.scalarNameForMessage(fqName); ok {
			return r.unwrapScalar(scalarName, sub)
		}
		return r.toRecord(sub)

	case descriptorpb.FieldDescriptorProto_TYPE_ENUM:
		num, ok := raw.(int32)
		if !ok {
			return raw, nil
		}
		if ev := fd.GetEnumType().FindValueByNumber(num); ev != nil {
			return ev.GetName(), nil
		}
		return num, nil

	default:
		return raw, nil
	}
}

// unwrapScalar reads the single "value" field out of a scalar wrapper
// message and runs it through the scalar's Decode function.
func (r *SchemaRegistry) unwrapScalar(scalarName string, wrapper *dynamic.Message) (any, error) {
	sc, ok := r.scalars.Get(scalarName)
	if !ok {
		return nil, fmt.Errorf("codec: message uses unregistered scalar %q", scalarName)
	}
	valueField := wrapper.GetMessageDescriptor().FindFieldByName("value")
	if valueField == nil {
		return nil, fmt.Errorf("codec: scalar wrapper %q missing value field", scalarName)
	}
	wire := wrapper.GetField(valueField)
	return sc.Decode(wire)
}

// fromRecord populates a fresh dynamic message of type md from rec,
// wrapping any field whose type is a registered scalar.
func (r *SchemaRegistry) fromRecord(md *desc.MessageDescriptor, rec Record) (*dynamic.Message, error) {
	msg := dynamic.NewMessage(md)

	for _, fd := range md.GetFields() {
		val, present := rec[fd.GetName()]
		if !present || val == nil {
			continue
		}

		if fd.IsRepeated() && !fd.IsMap() {
			items, ok := val.([]any)
			if !ok {
				return nil, fmt.Errorf("codec: field %q expects a list, got %T", fd.GetName(), val)
			}
			for _, item := range items {
				encoded, err := r.encodeFieldValue(fd, item)
				if err != nil {
					return nil, fmt.Errorf("codec: field %q: %w", fd.GetName(), err)
				}
				if err := msg.TryAddRepeatedField(fd, encoded); err != nil {
					return nil, fmt.Errorf("codec: field %q: %w", fd.GetName(), err)
				}
			}
			continue
		}

		encoded, err := r.encodeFieldValue(fd, val)
		if err != nil {
			return nil, fmt.Errorf("codec: field %q: %w", fd.GetName(), err)
		}
		if err := msg.TrySetField(fd, encoded); err != nil {
			return nil, fmt.Errorf("codec: field %q: %w", fd.GetName(), err)
		}
	}
	return msg, nil
}

func (r *SchemaRegistry) encodeFieldValue(fd *desc.FieldDescriptor, val any) (any, error) {
	switch fd.GetType() {
	case descriptorpb.FieldDescriptorProto_TYPE_MESSAGE:
		fqName := fd.GetMessageType().GetFullyQualifiedName()
		if scalarName, ok := r.scalarNameForMessage(fqName); ok {
			return r.wrapScalar(scalarName, fd.GetMessageType(), val)
		}
		sub, ok := val.(Record)
		if !ok {
			return nil, fmt.Errorf("expects a Record, got %T", val)
		}
		return r.fromRecord(fd.GetMessageType(), sub)

	case descriptorpb.FieldDescriptorProto_TYPE_ENUM:
		name, ok := val.(string)
		if !ok {
			return val, nil
		}
		ev := fd.GetEnumType().FindValueByName(name)
		if ev == nil {
			return nil, fmt.Errorf("unknown enum value %q for %s", name, fd.GetEnumType().GetFullyQualifiedName())
		}
		return ev.GetNumber(), nil

	default:
		return val, nil
	}
}

// wrapScalar runs val through the scalar's Encode function and stores
// the result in a fresh wrapper message of type md.
func (r *SchemaRegistry) wrapScalar(scalarName string, md *desc.MessageDescriptor, val any) (*dynamic.Message, error) {
	sc, ok := r.scalars.Get(scalarName)
	if !ok {
		return nil, fmt.Errorf("unregistered scalar %q", scalarName)
	}
	wire, err := sc.Encode(val)
	if err != nil {
		return nil, fmt.Errorf("scalar %q: %w", scalarName, err)
	}
	wrapper := dynamic.NewMessage(md)
	valueField := md.FindFieldByName("value")
	if valueField == nil {
		return nil, fmt.Errorf("scalar wrapper %q missing value field", scalarName)
	}
	if err := wrapper.TrySetField(valueField, wire); err != nil {
		return nil, fmt.Errorf("scalar %q: %w", scalarName, err)
	}
	return wrapper, nil
}
