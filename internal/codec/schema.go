// Package codec is the Message Factory of spec.md §4.2: it loads
// schemas, registers custom scalar wrappers, and encodes/decodes the
// three framing envelopes. Schemas are ordinary proto3 source, parsed
// with github.com/jhump/protoreflect/desc/protoparse (a pure-Go
// compiler — no `protoc` binary needed) into desc.FileDescriptor values,
// and messages are read/written through
// github.com/jhump/protoreflect/dynamic, so the framework never
// generates or requires generated *.pb.go types for a service's own
// message schema.
package codec

import (
	_ "embed"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/spf13/afero"

	"github.com/nfrund/protobus/internal/logging"
)

//go:embed framing.proto
var framingProtoSource string

const framingProtoFile = "protobus/framing.proto"

// SchemaRegistry is the process-wide type registry from spec.md §3: a
// mapping from fully-qualified type name to a decoded schema descriptor,
// created at Init from schema source directories, extendable at runtime
// via Parse. A type name resolves to exactly one descriptor at a time,
// per the stated invariant — Init/Parse/RegisterScalar all fully
// recompile the source set and atomically swap the resolved maps rather
// than merging incrementally, so a bad late Parse never leaves the
// registry half-updated.
type SchemaRegistry struct {
	mu      sync.RWMutex
	log     logging.Logger
	scalars *ScalarRegistry

	sources map[string]string // filename -> proto source, always includes framingProtoFile + one file per scalar

	messages       map[string]*desc.MessageDescriptor
	enums          map[string]*desc.EnumDescriptor
	services       map[string]*desc.ServiceDescriptor
	scalarMessages map[string]string // fully-qualified wrapper message name -> scalar name
}

// NewSchemaRegistry creates a registry with the framing envelopes and
// built-in scalars already resolvable, but no user schema loaded yet.
func NewSchemaRegistry(log logging.Logger) (*SchemaRegistry, error) {
	if log == nil {
		log = logging.Noop{}
	}
	r := &SchemaRegistry{
		log:     log,
		scalars: NewScalarRegistry(),
		sources: map[string]string{framingProtoFile: framingProtoSource},
	}
	if err := r.relink(); err != nil {
		return nil, err
	}
	return r, nil
}

// Init discovers and parses every *.proto file under each directory in
// dirs, recursively, using fsys (production callers pass
// afero.NewOsFs(); tests pass afero.NewMemMapFs() so schema discovery
// never touches real disk in CI).
func (r *SchemaRegistry) Init(fsys afero.Fs, dirs ...string) error {
	r.mu.Lock()
	for _, dir := range dirs {
		err := afero.Walk(fsys, dir, func(p string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !strings.HasSuffix(p, ".proto") {
				return nil
			}
			data, err := afero.ReadFile(fsys, p)
			if err != nil {
				return err
			}
			r.sources[path.Clean(p)] = string(data)
			return nil
		})
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("codec: scanning schema dir %q: %w", dir, err)
		}
	}
	r.mu.Unlock()
	return r.relink()
}

// Parse adds one inline schema text block, keyed by a synthetic name so
// repeated calls don't collide.
func (r *SchemaRegistry) Parse(text string) error {
	r.mu.Lock()
	name := fmt.Sprintf("inline/%d.proto", len(r.sources))
	r.sources[name] = text
	r.mu.Unlock()
	return r.relink()
}

// RegisterScalar installs sc and makes protobus.scalars.<sc.Name> a
// resolvable message type for schema files parsed from this point on
// (or already parsed, after the resulting relink).
func (r *SchemaRegistry) RegisterScalar(sc ScalarCodec) error {
	r.mu.Lock()
	if err := r.scalars.Register(sc); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()
	return r.relink()
}

// Scalars exposes the underlying scalar registry (used by the Codec to
// invoke Encode/Decode once a field has been identified as a scalar
// wrapper).
func (r *SchemaRegistry) Scalars() *ScalarRegistry { return r.scalars }

func synthesizeScalarProto(sc ScalarCodec) string {
	return fmt.Sprintf(
		"syntax = \"proto3\";\npackage protobus.scalars;\nmessage %s {\n  %s value = 1;\n}\n",
		sc.Name, sc.Kind.protoType(),
	)
}

// relink recompiles every known source (framing envelopes, one synthetic
// file per registered scalar, and all user schema files) in a single
// pass and swaps in the resolved type maps. It never partially applies a
// failed parse.
func (r *SchemaRegistry) relink() error {
	r.mu.Lock()
	sourceSnapshot := make(map[string]string, len(r.sources))
	for k, v := range r.sources {
		sourceSnapshot[k] = v
	}
	for _, name := range r.scalars.Names() {
		sc, _ := r.scalars.Get(name)
		sourceSnapshot["protobus/scalars/"+name+".proto"] = synthesizeScalarProto(sc)
	}
	r.mu.Unlock()

	filenames := make([]string, 0, len(sourceSnapshot))
	for name := range sourceSnapshot {
		filenames = append(filenames, name)
	}

	parser := protoparse.Parser{
		Accessor:              protoparse.FileContentsFromMap(sourceSnapshot),
		IncludeSourceCodeInfo: false,
	}
	files, err := parser.ParseFiles(filenames...)
	if err != nil {
		return fmt.Errorf("codec: parsing schema: %w", err)
	}

	messages := make(map[string]*desc.MessageDescriptor)
	enums := make(map[string]*desc.EnumDescriptor)
	services := make(map[string]*desc.ServiceDescriptor)
	scalarMessages := make(map[string]string)

	var walkMessage func(md *desc.MessageDescriptor)
	walkMessage = func(md *desc.MessageDescriptor) {
		messages[md.GetFullyQualifiedName()] = md
		for _, nested := range md.GetNestedMessageTypes() {
			walkMessage(nested)
		}
		for _, ne := range md.GetNestedEnumTypes() {
			enums[ne.GetFullyQualifiedName()] = ne
		}
	}

	for _, fd := range files {
		isScalarFile := strings.HasPrefix(fd.GetName(), "protobus/scalars/")
		for _, md := range fd.GetMessageTypes() {
			walkMessage(md)
			if isScalarFile {
				scalarName := md.GetName()
				scalarMessages[md.GetFullyQualifiedName()] = scalarName
			}
		}
		for _, ed := range fd.GetEnumTypes() {
			enums[ed.GetFullyQualifiedName()] = ed
		}
		for _, sd := range fd.GetServices() {
			services[sd.GetFullyQualifiedName()] = sd
		}
	}

	r.mu.Lock()
	r.sources = sourceSnapshot
	r.messages = messages
	r.enums = enums
	r.services = services
	r.scalarMessages = scalarMessages
	r.mu.Unlock()

	r.log.Debug("codec: schema relinked", "messages", len(messages), "services", len(services))
	return nil
}

// LookupMessage resolves a fully-qualified message type name.
func (r *SchemaRegistry) LookupMessage(fqName string) (*desc.MessageDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.messages[fqName]
	return md, ok
}

// LookupService resolves a fully-qualified service name.
func (r *SchemaRegistry) LookupService(fqName string) (*desc.ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sd, ok := r.services[fqName]
	return sd, ok
}

// LookupMethod resolves a wire method identifier
// ("<Package.Service>.<method>"): it splits at the last dot, looks the
// service up by its exact fully-qualified name, and returns that
// service's method whose name matches exactly. No other service is
// searched, and a short service name is not accepted.
func (r *SchemaRegistry) LookupMethod(qualifiedMethod string) (*desc.MethodDescriptor, error) {
	idx := strings.LastIndex(qualifiedMethod, ".")
	if idx < 0 {
		return nil, fmt.Errorf("codec: malformed method identifier %q", qualifiedMethod)
	}
	serviceName, methodName := qualifiedMethod[:idx], qualifiedMethod[idx+1:]

	r.mu.RLock()
	defer r.mu.RUnlock()
	sd, ok := r.services[serviceName]
	if !ok {
		return nil, fmt.Errorf("codec: unknown service %q", serviceName)
	}
	for _, m := range sd.GetMethods() {
		if m.GetName() == methodName {
			return m, nil
		}
	}
	return nil, fmt.Errorf("codec: service %q has no method %q", serviceName, methodName)
}

// scalarNameForMessage returns the registered scalar name backing a
// wrapper message type, if fqName is one.
func (r *SchemaRegistry) scalarNameForMessage(fqName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.scalarMessages[fqName]
	return name, ok
}
