// Package profile describes what a device understands: its calls with
// argument kinds, the pushes it sends and the keys used by the tracker.
package profile

import (
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

//go:embed demo.yaml
var demoYAML []byte

var (
	ErrUnknownCall = errors.New("unknown call")
	ErrArgCount    = errors.New("wrong number of arguments")
)

// Kind is the wire type of a call argument.
type Kind string

const (
	KindU8     Kind = "u8"
	KindU16    Kind = "u16"
	KindU32    Kind = "u32"
	KindU64    Kind = "u64"
	KindI8     Kind = "i8"
	KindI16    Kind = "i16"
	KindI32    Kind = "i32"
	KindI64    Kind = "i64"
	KindF64    Kind = "f64"
	KindBool   Kind = "bool"
	KindString Kind = "string"
	KindBytes  Kind = "bytes"
)

// Push actions.
const (
	ActionPrint  = "print"
	ActionStatus = "status"
	ActionError  = "error"
	ActionIgnore = "ignore"
)

type Profile struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	ReplyKey    string   `yaml:"replyKey,omitempty"`
	Calls       []Call   `yaml:"calls"`
	Pushes      []Push   `yaml:"pushes,omitempty"`
	Tracker     *Tracker `yaml:"tracker,omitempty"`
}

type Call struct {
	Name string `yaml:"name"`
	Help string `yaml:"help,omitempty"`
	Args []Arg  `yaml:"args,omitempty"`
}

type Arg struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`
	Help string `yaml:"help,omitempty"`
}

type Push struct {
	Key    string `yaml:"key"`
	Action string `yaml:"action"`
	Format string `yaml:"format,omitempty"`
	Help   string `yaml:"help,omitempty"`
}

type Tracker struct {
	Control string `yaml:"control"`
	Report  string `yaml:"report"`
}

// ValidationError lists every schema violation found in a profile.
type ValidationError struct {
	Source  string
	Details []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid profile %s:\n  - %s", e.Source, strings.Join(e.Details, "\n  - "))
}

// Default returns the profile of the simulated demo device.
func Default() *Profile {
	p, err := Parse(demoYAML, "demo")
	if err != nil {
		panic(err)
	}
	return p
}

// Load reads and validates a profile file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return Parse(data, path)
}

// Parse validates data against the profile schema and decodes it. source
// names the document in errors.
func Parse(data []byte, source string) (*Profile, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", source, err)
	}
	if err := validate(doc, source); err != nil {
		return nil, err
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", source, err)
	}
	if err := p.check(source); err != nil {
		return nil, err
	}
	return &p, nil
}

func validate(doc any, source string) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("profile %s: %w", source, err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaJSON), gojsonschema.NewBytesLoader(docJSON))
	if err != nil {
		return fmt.Errorf("validate profile %s: %w", source, err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{Source: source}
	for _, desc := range result.Errors() {
		verr.Details = append(verr.Details, desc.String())
	}
	return verr
}

// check enforces what the schema cannot express: unique names and a
// tracker that refers to a declared call.
func (p *Profile) check(source string) error {
	var details []string
	seen := map[string]bool{}
	for _, c := range p.Calls {
		if seen[c.Name] {
			details = append(details, fmt.Sprintf("call %q declared twice", c.Name))
		}
		seen[c.Name] = true
	}
	keys := map[string]bool{}
	for _, push := range p.Pushes {
		if keys[push.Key] {
			details = append(details, fmt.Sprintf("push %q declared twice", push.Key))
		}
		keys[push.Key] = true
	}
	if p.Tracker != nil && !seen[p.Tracker.Control] {
		details = append(details, fmt.Sprintf("tracker control %q is not a declared call", p.Tracker.Control))
	}
	if len(details) > 0 {
		return &ValidationError{Source: source, Details: details}
	}
	return nil
}

// Call returns the declared call name.
func (p *Profile) Call(name string) (*Call, bool) {
	for i := range p.Calls {
		if p.Calls[i].Name == name {
			return &p.Calls[i], true
		}
	}
	return nil, false
}

// CallNames returns declared call names, sorted.
func (p *Profile) CallNames() []string {
	names := make([]string, 0, len(p.Calls))
	for _, c := range p.Calls {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// Coerce converts shell words into the typed arguments of call name.
func (p *Profile) Coerce(name string, words []string) ([]any, error) {
	c, ok := p.Call(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCall, name)
	}
	return c.Coerce(words)
}

// Usage renders "name <arg:kind> ...".
func (c *Call) Usage() string {
	var b strings.Builder
	b.WriteString(c.Name)
	for _, a := range c.Args {
		fmt.Fprintf(&b, " <%s:%s>", a.Name, a.Kind)
	}
	return b.String()
}

// Coerce converts words to the call's argument kinds.
func (c *Call) Coerce(words []string) ([]any, error) {
	if len(words) != len(c.Args) {
		return nil, fmt.Errorf("%w: %s takes %d, got %d", ErrArgCount, c.Name, len(c.Args), len(words))
	}
	out := make([]any, len(words))
	for i, w := range words {
		v, err := c.Args[i].Kind.Parse(w)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", c.Args[i].Name, err)
		}
		out[i] = v
	}
	return out, nil
}

// Parse converts s to the Go type carried on the wire for k.
func (k Kind) Parse(s string) (any, error) {
	switch k {
	case KindU8, KindU16, KindU32, KindU64:
		bits := k.bits()
		v, err := strconv.ParseUint(s, 0, bits)
		if err != nil {
			return nil, fmt.Errorf("%q is not a %s", s, k)
		}
		switch bits {
		case 8:
			return uint8(v), nil
		case 16:
			return uint16(v), nil
		case 32:
			return uint32(v), nil
		}
		return v, nil
	case KindI8, KindI16, KindI32, KindI64:
		bits := k.bits()
		v, err := strconv.ParseInt(s, 0, bits)
		if err != nil {
			return nil, fmt.Errorf("%q is not a %s", s, k)
		}
		switch bits {
		case 8:
			return int8(v), nil
		case 16:
			return int16(v), nil
		case 32:
			return int32(v), nil
		}
		return v, nil
	case KindF64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) {
			return nil, fmt.Errorf("%q is not a %s", s, k)
		}
		return v, nil
	case KindBool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("%q is not a %s", s, k)
		}
		return v, nil
	case KindString:
		return s, nil
	case KindBytes:
		v, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%q is not hex %s", s, k)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported kind %q", string(k))
	}
}

func (k Kind) bits() int {
	n, _ := strconv.Atoi(string(k[1:]))
	return n
}

// Push returns the declared push for key.
func (p *Profile) Push(key string) (*Push, bool) {
	for i := range p.Pushes {
		if p.Pushes[i].Key == key {
			return &p.Pushes[i], true
		}
	}
	return nil, false
}

// Render formats push arguments for display.
func (ps *Push) Render(args []any) string {
	text := fmt.Sprint(args...)
	if len(args) == 1 {
		if s, ok := args[0].(string); ok {
			text = s
		}
	}
	if ps.Format == "" {
		return ps.Key + ": " + text
	}
	return fmt.Sprintf(ps.Format, text)
}
