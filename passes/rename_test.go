package passes

import (
	"testing"

	"github.com/saferwall/ilguard/clrmodel"
	"github.com/saferwall/ilguard/config"
	"github.com/saferwall/ilguard/obfctx"
	"github.com/saferwall/ilguard/rng"
)

func newRenameFixture(t *testing.T, cfg *config.Configuration) (*obfctx.Context, *clrmodel.Type) {
	t.Helper()
	m := clrmodel.NewModule("Sample")
	greeter := &clrmodel.Type{
		FullName:   clrmodel.FullName{Namespace: "Acme", Name: "Greeter"},
		Visibility: clrmodel.VisibilityPublic,
	}
	greeter.Fields = append(greeter.Fields, &clrmodel.Field{Name: "count", Visibility: clrmodel.VisibilityPrivate})
	entryBody := clrmodel.NewBody()
	entryBody.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())
	entry := &clrmodel.Method{Name: "Main", Visibility: clrmodel.VisibilityPublic, Body: entryBody}
	greet := &clrmodel.Method{Name: "Greet", Visibility: clrmodel.VisibilityPrivate, Body: clrmodel.NewBody()}
	greeter.Methods = append(greeter.Methods, entry, greet)
	m.Types = append(m.Types, greeter)
	m.EntryPoint = &clrmodel.MethodRef{TypeFullName: greeter.FullName, MethodName: "Main"}

	ctx, err := obfctx.New(m, cfg)
	if err != nil {
		t.Fatalf("obfctx.New failed: %v", err)
	}
	if err := obfctx.RegisterService[rng.Source](ctx, rng.NewSeeded(42)); err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}
	return ctx, greeter
}

func TestRenamePassRenamesPrivateMethodNotEntryPoint(t *testing.T) {
	cfg := config.New()
	ctx, greeter := newRenameFixture(t, cfg)

	pass := NewRenamePass()
	if !pass.CanApply(ctx) {
		t.Fatal("expected renaming pass to apply with default config")
	}
	if err := pass.Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	var main, greet *clrmodel.Method
	for _, m := range greeter.Methods {
		if m.Name == "Main" {
			main = m
		}
	}
	for _, m := range greeter.Methods {
		if m != main {
			greet = m
		}
	}
	if main == nil || main.Name != "Main" {
		t.Fatal("expected entry point method name preserved")
	}
	if greet == nil || greet.Name == "Greet" {
		t.Fatalf("expected non-entry-point method renamed, got %+v", greet)
	}
}

func TestRenamePassPreservesPublicAPIWhenConfigured(t *testing.T) {
	cfg := config.New()
	cfg.PreservePublicAPI = true
	ctx, greeter := newRenameFixture(t, cfg)

	pass := NewRenamePass()
	if err := pass.Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if greeter.FullName.String() != "Acme.Greeter" {
		t.Errorf("expected public type name preserved, got %s", greeter.FullName)
	}
}

func TestRenamePassSyncsPropertyAccessors(t *testing.T) {
	cfg := config.New()
	ctx, greeter := newRenameFixture(t, cfg)

	getBody := clrmodel.NewBody()
	getBody.NewInstruction(clrmodel.OpLdFld, clrmodel.Operand{Kind: clrmodel.OperandField, FieldName: "count", DeclaringRef: "Acme.Greeter"})
	getBody.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())
	getter := &clrmodel.Method{
		Name:       "get_Count",
		Visibility: clrmodel.VisibilityPublic,
		Attr:       clrmodel.MemberAttrSpecialName,
		Body:       getBody,
	}
	setter := &clrmodel.Method{
		Name:       "set_Count",
		Visibility: clrmodel.VisibilityPublic,
		Attr:       clrmodel.MemberAttrSpecialName,
		Body:       clrmodel.NewBody(),
	}
	greeter.Methods = append(greeter.Methods, getter, setter)
	greeter.Properties = append(greeter.Properties, &clrmodel.Property{
		Name:       "Count",
		Visibility: clrmodel.VisibilityPublic,
		Get:        clrmodel.Accessor{Method: getter},
		Set:        clrmodel.Accessor{Method: setter},
	})

	pass := NewRenamePass()
	if err := pass.Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	prop := greeter.Properties[0]
	if prop.Name == "Count" {
		t.Fatal("expected property to be renamed")
	}
	if getter.Name != "get_"+prop.Name {
		t.Fatalf("expected getter renamed to get_%s, got %s", prop.Name, getter.Name)
	}
	if setter.Name != "set_"+prop.Name {
		t.Fatalf("expected setter renamed to set_%s, got %s", prop.Name, setter.Name)
	}
}

func TestRenamePassRepairsFieldAndTypeReferences(t *testing.T) {
	cfg := config.New()
	ctx, greeter := newRenameFixture(t, cfg)

	caller := &clrmodel.Type{
		FullName:   clrmodel.FullName{Namespace: "Acme", Name: "Caller"},
		Visibility: clrmodel.VisibilityPrivate,
	}
	callerBody := clrmodel.NewBody()
	callerBody.NewInstruction(clrmodel.OpLdFld, clrmodel.Operand{Kind: clrmodel.OperandField, FieldName: "count", DeclaringRef: "Acme.Greeter"})
	callerBody.NewInstruction(clrmodel.OpCastClass, clrmodel.Operand{Kind: clrmodel.OperandType, TypeName: "Acme.Greeter"})
	callerBody.NewInstruction(clrmodel.OpCallVirt, clrmodel.Operand{
		Kind:       clrmodel.OperandMethod,
		MethodName: "Greet",
		Call:       clrmodel.CallSignature{DeclaringRef: "Acme.Greeter", ArgCount: 0},
	})
	callerBody.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())
	caller.Methods = append(caller.Methods, &clrmodel.Method{Name: "Invoke", Visibility: clrmodel.VisibilityPrivate, Body: callerBody})
	ctx.Module.Types = append(ctx.Module.Types, caller)

	pass := NewRenamePass()
	if err := pass.Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	fieldIns := callerBody.Instructions[0]
	if fieldIns.Operand.DeclaringRef != greeter.FullName.String() || fieldIns.Operand.FieldName != greeter.Fields[0].Name {
		t.Fatalf("field reference not repaired: got %+v, want type %s field %s", fieldIns.Operand, greeter.FullName, greeter.Fields[0].Name)
	}

	typeIns := callerBody.Instructions[1]
	if typeIns.Operand.TypeName != greeter.FullName.String() {
		t.Fatalf("type reference not repaired: got %s, want %s", typeIns.Operand.TypeName, greeter.FullName)
	}

	var greetNewName string
	for _, m := range greeter.Methods {
		if m.Name != "Main" {
			greetNewName = m.Name
		}
	}
	methodIns := callerBody.Instructions[2]
	if methodIns.Operand.Call.DeclaringRef != greeter.FullName.String() || methodIns.Operand.MethodName != greetNewName {
		t.Fatalf("method reference not repaired: got %+v, want type %s method %s", methodIns.Operand, greeter.FullName, greetNewName)
	}
}

func TestRenameCanApplyFalseForGlobalOnlyModule(t *testing.T) {
	m := clrmodel.NewModule("Sample")
	ctx, err := obfctx.New(m, config.New())
	if err != nil {
		t.Fatalf("obfctx.New failed: %v", err)
	}
	if NewRenamePass().CanApply(ctx) {
		t.Error("expected CanApply to be false for a module holding only the global type")
	}
}

func TestRenamePassKeepsEntryPointResolvable(t *testing.T) {
	cfg := config.New()
	ctx, greeter := newRenameFixture(t, cfg)

	if err := NewRenamePass().Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if greeter.FullName.String() == "Acme.Greeter" {
		t.Fatal("expected the declaring type to be renamed")
	}
	entry := ctx.Module.FindEntryPointMethod()
	if entry == nil {
		t.Fatal("expected the entry point to keep resolving after its declaring type was renamed")
	}
	if entry.Name != "Main" {
		t.Fatalf("expected the entry point method name preserved, got %s", entry.Name)
	}
}
