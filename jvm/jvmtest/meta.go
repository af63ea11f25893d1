package jvmtest

import "github.com/jazero/jazero/jvm"

// Type is an in-memory jvm.Type whose subtyping follows the Super chain.
type Type struct {
	TypeName    string
	Super       *Type
	Resolutions map[string]*Method // virtual dispatch by method name
}

func (t *Type) Name() string { return t.TypeName }

func (t *Type) IsAssignableFrom(other jvm.Type) bool {
	for o, _ := other.(*Type); o != nil; o = o.Super {
		if o == t {
			return true
		}
	}
	return false
}

func (t *Type) ResolveMethod(target jvm.Method) jvm.Method {
	if m, ok := t.Resolutions[target.Name()]; ok {
		return m
	}
	return nil
}

// Field is an in-memory jvm.Field.
type Field struct {
	FieldName  string
	HolderType *Type
	FieldKind  jvm.Kind
	Static     bool
	Final      bool
}

func (f *Field) Name() string     { return f.FieldName }
func (f *Field) Holder() jvm.Type { return f.HolderType }
func (f *Field) Kind() jvm.Kind   { return f.FieldKind }
func (f *Field) IsStatic() bool   { return f.Static }
func (f *Field) IsFinal() bool    { return f.Final }

// Method is an in-memory jvm.Method. Zero values give a static ()V method
// with no handlers and an empty constant pool.
type Method struct {
	MethodName   string
	HolderType   *Type
	Bytecode     []byte
	Locals       int
	Stack        int
	Sig          jvm.Signature
	Virtual      bool
	Synchronized bool
	FinalMethod  bool
	Handlers     []jvm.ExceptionHandler
	CP           *ConstantPool
	ProfileData  *Profile
}

func (m *Method) Name() string                { return m.MethodName }
func (m *Method) Holder() jvm.Type            { return m.HolderType }
func (m *Method) Code() []byte                { return m.Bytecode }
func (m *Method) MaxLocals() int              { return m.Locals }
func (m *Method) MaxStack() int               { return m.Stack }
func (m *Method) Signature() jvm.Signature    { return m.Sig }
func (m *Method) IsStatic() bool              { return !m.Virtual }
func (m *Method) IsSynchronized() bool        { return m.Synchronized }
func (m *Method) CanBeStaticallyBound() bool  { return !m.Virtual || m.FinalMethod }
func (m *Method) ExceptionHandlers() []jvm.ExceptionHandler { return m.Handlers }

func (m *Method) ConstantPool() jvm.ConstantPool {
	if m.CP == nil {
		return &ConstantPool{}
	}
	return m.CP
}

func (m *Method) Profile() jvm.ProfilingInfo {
	if m.ProfileData == nil {
		return nil
	}
	return m.ProfileData
}

// ConstantPool is an in-memory jvm.ConstantPool backed by maps keyed by
// constant-pool index. Absent entries report as unresolved.
type ConstantPool struct {
	Constants map[int]jvm.Constant
	Types     map[int]*Type
	Fields    map[int]*Field
	Methods   map[int]*Method
}

func (cp *ConstantPool) LookupConstant(cpi int) (jvm.Constant, error) {
	c, ok := cp.Constants[cpi]
	if !ok {
		return jvm.Constant{}, errUnknownConstant(cpi)
	}
	return c, nil
}

type errUnknownConstant int

func (e errUnknownConstant) Error() string { return "unknown constant-pool entry" }

func (cp *ConstantPool) LookupType(cpi int) (jvm.Type, bool) {
	t, ok := cp.Types[cpi]
	if !ok {
		return nil, false
	}
	return t, true
}

func (cp *ConstantPool) LookupField(cpi int, _ jvm.Bytecode) (jvm.Field, bool) {
	f, ok := cp.Fields[cpi]
	if !ok {
		return nil, false
	}
	return f, true
}

func (cp *ConstantPool) LookupMethod(cpi int, _ jvm.Bytecode) (jvm.Method, bool) {
	m, ok := cp.Methods[cpi]
	if !ok {
		return nil, false
	}
	return m, true
}

// Profile is an in-memory jvm.ProfilingInfo backed by maps keyed by bci.
type Profile struct {
	Branches   map[int]float64
	Switches   map[int][]float64
	Exceptions map[int]jvm.TriState
	Receivers  map[int]*jvm.TypeProfile
}

func (p *Profile) BranchTakenProbability(bci int) float64 {
	if v, ok := p.Branches[bci]; ok {
		return v
	}
	return -1
}

func (p *Profile) SwitchProbabilities(bci int) []float64 { return p.Switches[bci] }

func (p *Profile) ExceptionSeen(bci int) jvm.TriState { return p.Exceptions[bci] }

func (p *Profile) TypeProfile(bci int) *jvm.TypeProfile { return p.Receivers[bci] }
