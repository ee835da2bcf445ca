package passes

import (
	"strings"
	"testing"

	"github.com/saferwall/ilguard/clrmodel"
	"github.com/saferwall/ilguard/config"
	"github.com/saferwall/ilguard/obfctx"
	"github.com/saferwall/ilguard/rng"
)

func newStringEncFixture(t *testing.T, algo config.EncryptionAlgorithm) (*obfctx.Context, *clrmodel.MethodBody) {
	t.Helper()
	m := clrmodel.NewModule("Sample")
	ty := &clrmodel.Type{FullName: clrmodel.FullName{Namespace: "Acme", Name: "Greeter"}}
	body := clrmodel.NewBody()
	body.NewInstruction(clrmodel.OpLdStr, clrmodel.Operand{Kind: clrmodel.OperandString, Str: "hello"})
	body.NewInstruction(clrmodel.OpLdStr, clrmodel.Operand{Kind: clrmodel.OperandString, Str: "hello"})
	body.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())
	ty.Methods = append(ty.Methods, &clrmodel.Method{Name: "Greet", Body: body})
	m.Types = append(m.Types, ty)

	cfg := config.New()
	cfg.Encryption.Algorithm = algo
	ctx, err := obfctx.New(m, cfg)
	if err != nil {
		t.Fatalf("obfctx.New failed: %v", err)
	}
	if err := obfctx.RegisterService[rng.Source](ctx, rng.NewSeeded(7)); err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}
	return ctx, body
}

func TestStringEncryptionPassReplacesLiteralsAndDedups(t *testing.T) {
	ctx, body := newStringEncFixture(t, config.AlgorithmSymmetricBlock)
	pass := NewStringEncryptionPass()
	if err := pass.Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	for _, ins := range body.Instructions {
		if ins.Op == clrmodel.OpLdStr {
			t.Fatalf("expected no ldstr instructions to remain, found one: %+v", ins)
		}
	}
	if len(ctx.StringRegistry()) != 1 {
		t.Errorf("expected one registry entry for one distinct literal, got %d", len(ctx.StringRegistry()))
	}

	// Both original ldstr sites loaded the same literal, so they should
	// now load the same ciphertext field and call the same decryptor.
	var fieldLoads, calls []*clrmodel.Instruction
	for _, ins := range body.Instructions {
		switch ins.Op {
		case clrmodel.OpLdSFld:
			fieldLoads = append(fieldLoads, ins)
		case clrmodel.OpCall:
			calls = append(calls, ins)
		}
	}
	if len(fieldLoads) != 2 || len(calls) != 2 {
		t.Fatalf("expected 2 field loads and 2 calls, got %d and %d", len(fieldLoads), len(calls))
	}
	if fieldLoads[0].Operand.FieldName != fieldLoads[1].Operand.FieldName {
		t.Error("expected repeated literals to share one ciphertext field")
	}
	if calls[0].Operand.MethodName != decryptStaticMethodName {
		t.Errorf("expected call to %s, got %s", decryptStaticMethodName, calls[0].Operand.MethodName)
	}

	decryptor := ctx.Module.FindType(clrmodel.FullName{Name: stringDecryptorTypeName})
	if decryptor == nil {
		t.Fatal("expected the decryptor type to be synthesised into the module")
	}
	cipherFields := 0
	keyField := false
	for _, f := range decryptor.Fields {
		if strings.HasPrefix(f.Name, "s_cipher_") {
			cipherFields++
		}
		if f.Name == decryptorKeyField {
			keyField = true
		}
	}
	if cipherFields != 1 {
		t.Fatalf("expected 1 ciphertext field for the one distinct literal, got %d", cipherFields)
	}
	if !keyField {
		t.Error("expected the module-wide key field for static decryption")
	}
	var decryptMethod *clrmodel.Method
	for _, m := range decryptor.Methods {
		if m.Name == decryptStaticMethodName {
			decryptMethod = m
		}
	}
	if decryptMethod == nil {
		t.Fatal("expected the decryptor type to declare DecryptStatic")
	}
}

func TestStringEncryptionPassDynamicDecryptionUsesTwoFields(t *testing.T) {
	ctx, body := newStringEncFixture(t, config.AlgorithmSymmetricBlock)
	ctx.Config.Encryption.DynamicDecryption = true
	pass := NewStringEncryptionPass()
	if err := pass.Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	decryptor := ctx.Module.FindType(clrmodel.FullName{Name: stringDecryptorTypeName})
	if decryptor == nil {
		t.Fatal("expected the decryptor type to be synthesised")
	}
	cipherFields, keyFields := 0, 0
	for _, f := range decryptor.Fields {
		if strings.HasPrefix(f.Name, "s_cipher_") {
			cipherFields++
		}
		if strings.HasPrefix(f.Name, "s_key_") {
			keyFields++
		}
	}
	if cipherFields != 1 || keyFields != 1 {
		t.Fatalf("expected cipher+key fields for the one distinct literal, got %d and %d", cipherFields, keyFields)
	}

	var calls int
	for _, ins := range body.Instructions {
		if ins.Op == clrmodel.OpCall {
			calls++
			if ins.Operand.MethodName != decryptDynamicMethodName {
				t.Errorf("expected call to %s, got %s", decryptDynamicMethodName, ins.Operand.MethodName)
			}
			if ins.Operand.Call.ArgCount != 2 {
				t.Errorf("expected DecryptDynamic call with ArgCount 2, got %d", ins.Operand.Call.ArgCount)
			}
		}
	}
	if calls != 2 {
		t.Fatalf("expected 2 decrypt calls, got %d", calls)
	}
}

func TestStringEncryptionPassPreservesNetStackEffect(t *testing.T) {
	ctx, body := newStringEncFixture(t, config.AlgorithmSymmetricBlock)
	pass := NewStringEncryptionPass()
	if err := pass.Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	var net int
	for _, ins := range body.Instructions {
		net += ins.StackEffect()
	}
	// 2 substituted literals each netting +1, followed by a ret (net 0).
	if net != 2 {
		t.Fatalf("expected net stack effect of 2 across both substitutions, got %d", net)
	}
}

func TestStringEncryptionPassSkipsShortLiterals(t *testing.T) {
	m := clrmodel.NewModule("Sample")
	ty := &clrmodel.Type{FullName: clrmodel.FullName{Namespace: "Acme", Name: "Greeter"}}
	body := clrmodel.NewBody()
	body.NewInstruction(clrmodel.OpLdStr, clrmodel.Operand{Kind: clrmodel.OperandString, Str: "x"})
	body.NewInstruction(clrmodel.OpLdStr, clrmodel.Operand{Kind: clrmodel.OperandString, Str: "System.Foo"})
	body.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())
	ty.Methods = append(ty.Methods, &clrmodel.Method{Name: "Greet", Body: body})
	m.Types = append(m.Types, ty)

	cfg := config.New()
	ctx, err := obfctx.New(m, cfg)
	if err != nil {
		t.Fatalf("obfctx.New failed: %v", err)
	}
	if err := obfctx.RegisterService[rng.Source](ctx, rng.NewSeeded(7)); err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}

	pass := NewStringEncryptionPass()
	if err := pass.Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if body.Instructions[0].Op != clrmodel.OpLdStr || body.Instructions[0].Operand.Str != "x" {
		t.Error("expected a literal shorter than 2 characters to be left untouched")
	}
	if body.Instructions[1].Op != clrmodel.OpLdStr || body.Instructions[1].Operand.Str != "System.Foo" {
		t.Error("expected a literal with a preserved prefix to be left untouched")
	}
}

func TestEncryptDecryptRoundTripAllAlgorithms(t *testing.T) {
	for _, algo := range []config.EncryptionAlgorithm{config.AlgorithmSymmetricBlock, config.AlgorithmStream, config.AlgorithmCustom} {
		random := rng.NewSeeded(99)
		key := random.NextBytes(keySizeFor(algo))
		rec, err := encryptLiteral(algo, key, "top secret")
		if err != nil {
			t.Fatalf("encryptLiteral(%s) failed: %v", algo, err)
		}
		plain, err := DecryptLiteral(rec)
		if err != nil {
			t.Fatalf("DecryptLiteral(%s) failed: %v", algo, err)
		}
		if plain != "top secret" {
			t.Errorf("%s round trip = %q, want %q", algo, plain, "top secret")
		}
	}
}

func TestEncryptLiteralUnknownAlgorithm(t *testing.T) {
	if _, err := encryptLiteral("bogus", []byte{1, 2, 3}, "x"); err == nil {
		t.Fatal("expected an error for an unknown algorithm")
	}
}

func TestStringEncryptionCanApplyRequiresStringLoads(t *testing.T) {
	m := clrmodel.NewModule("Sample")
	ty := &clrmodel.Type{FullName: clrmodel.FullName{Namespace: "Acme", Name: "Greeter"}}
	body := clrmodel.NewBody()
	body.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())
	ty.Methods = append(ty.Methods, &clrmodel.Method{Name: "Greet", Body: body})
	m.Types = append(m.Types, ty)

	ctx, err := obfctx.New(m, config.New())
	if err != nil {
		t.Fatalf("obfctx.New failed: %v", err)
	}
	if NewStringEncryptionPass().CanApply(ctx) {
		t.Error("expected CanApply to be false for a module with no string-load instructions")
	}
}

// interpretDecryptor executes a decryptor method's actual instruction
// stream against the given arguments, resolving static-field loads
// through the decryptor type's baked-in field data and treating the
// Encoding.UTF8.GetString pair as the UTF-8 byte-to-string conversion
// it names. This exercises the injected bytecode itself, not the
// parallel Go implementation.
func interpretDecryptor(t *testing.T, decl *clrmodel.Type, m *clrmodel.Method, args ...interface{}) string {
	t.Helper()
	body := m.Body
	index := make(map[clrmodel.InstrID]int, len(body.Instructions))
	for i, ins := range body.Instructions {
		index[ins.ID] = i
	}

	var stack []interface{}
	push := func(v interface{}) { stack = append(stack, v) }
	pop := func() interface{} {
		if len(stack) == 0 {
			t.Fatal("interpreter: pop on empty stack")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	popInt := func() int { return pop().(int) }
	locals := make([]interface{}, len(body.Locals))

	const utf8Marker = "<utf8>"
	pc := 0
	for steps := 0; steps < 1_000_000; steps++ {
		if pc < 0 || pc >= len(body.Instructions) {
			t.Fatalf("interpreter: pc %d out of range", pc)
		}
		ins := body.Instructions[pc]
		switch ins.Op {
		case clrmodel.OpLdArg:
			push(args[ins.Operand.ParamIndex])
		case clrmodel.OpLdLoc:
			push(locals[ins.Operand.LocalIndex])
		case clrmodel.OpStLoc:
			locals[ins.Operand.LocalIndex] = pop()
		case clrmodel.OpLdcI4:
			push(int(ins.Operand.Int64))
		case clrmodel.OpLdSFld:
			var data []byte
			found := false
			for _, f := range decl.Fields {
				if f.Name == ins.Operand.FieldName {
					data = append([]byte(nil), f.InitialValue...)
					found = true
				}
			}
			if !found {
				t.Fatalf("interpreter: unresolved field %s", ins.Operand.FieldName)
			}
			push(data)
		case clrmodel.OpLdLen:
			push(len(pop().([]byte)))
		case clrmodel.OpNewArr:
			push(make([]byte, popInt()))
		case clrmodel.OpLdElemU1:
			i := popInt()
			arr := pop().([]byte)
			push(int(arr[i]))
		case clrmodel.OpStElemU1:
			v := popInt()
			i := popInt()
			arr := pop().([]byte)
			arr[i] = byte(v)
		case clrmodel.OpConvU1:
			push(popInt() & 0xFF)
		case clrmodel.OpAdd:
			b, a := popInt(), popInt()
			push(a + b)
		case clrmodel.OpAnd:
			b, a := popInt(), popInt()
			push(a & b)
		case clrmodel.OpXor:
			b, a := popInt(), popInt()
			push(a ^ b)
		case clrmodel.OpRem:
			b, a := popInt(), popInt()
			push(a % b)
		case clrmodel.OpClt:
			b, a := popInt(), popInt()
			if a < b {
				push(1)
			} else {
				push(0)
			}
		case clrmodel.OpBr:
			pc = index[ins.Operand.JumpTarget]
			continue
		case clrmodel.OpBrFalse:
			if popInt() == 0 {
				pc = index[ins.Operand.JumpTarget]
				continue
			}
		case clrmodel.OpCall, clrmodel.OpCallVirt:
			switch ins.Operand.Call.MethodName {
			case "get_UTF8":
				push(utf8Marker)
			case "GetString":
				buf := pop().([]byte)
				if enc := pop(); enc != utf8Marker {
					t.Fatalf("interpreter: GetString on unexpected receiver %v", enc)
				}
				push(string(buf))
			default:
				t.Fatalf("interpreter: unexpected call to %s::%s", ins.Operand.Call.DeclaringRef, ins.Operand.Call.MethodName)
			}
		case clrmodel.OpRet:
			return pop().(string)
		default:
			t.Fatalf("interpreter: unhandled opcode %d", ins.Op)
		}
		pc++
	}
	t.Fatal("interpreter: step budget exhausted, body does not terminate")
	return ""
}

func TestInjectedDynamicDecryptorBodyInvertsCustomCipher(t *testing.T) {
	ctx, _ := newStringEncFixture(t, config.AlgorithmCustom)
	ctx.Config.Encryption.DynamicDecryption = true
	if err := NewStringEncryptionPass().Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	decryptor := ctx.Module.FindType(clrmodel.FullName{Name: stringDecryptorTypeName})
	if decryptor == nil {
		t.Fatal("expected the decryptor type")
	}
	var method *clrmodel.Method
	for _, m := range decryptor.Methods {
		if m.Name == decryptDynamicMethodName {
			method = m
		}
	}
	if method == nil {
		t.Fatal("expected DecryptDynamic to be declared")
	}

	rec, ok := ctx.StringCipher("hello")
	if !ok {
		t.Fatal("expected a cipher record for the literal")
	}
	got := interpretDecryptor(t, decryptor, method,
		append([]byte(nil), rec.Ciphertext...), append([]byte(nil), rec.Key...))
	if got != "hello" {
		t.Fatalf("injected body decrypted to %q, want %q", got, "hello")
	}
}

func TestInjectedStaticDecryptorBodyUsesEmbeddedKey(t *testing.T) {
	ctx, _ := newStringEncFixture(t, config.AlgorithmCustom)
	if err := NewStringEncryptionPass().Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	decryptor := ctx.Module.FindType(clrmodel.FullName{Name: stringDecryptorTypeName})
	var method *clrmodel.Method
	for _, m := range decryptor.Methods {
		if m.Name == decryptStaticMethodName {
			method = m
		}
	}
	if method == nil {
		t.Fatal("expected DecryptStatic to be declared")
	}

	rec, ok := ctx.StringCipher("hello")
	if !ok {
		t.Fatal("expected a cipher record for the literal")
	}
	// Single argument: the body must resolve the key through its own
	// embedded s_key field load.
	got := interpretDecryptor(t, decryptor, method, append([]byte(nil), rec.Ciphertext...))
	if got != "hello" {
		t.Fatalf("injected static body decrypted to %q, want %q", got, "hello")
	}
}

func TestInjectedBlockDecryptorDelegatesToFrameworkCipher(t *testing.T) {
	ctx, _ := newStringEncFixture(t, config.AlgorithmSymmetricBlock)
	if err := NewStringEncryptionPass().Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	decryptor := ctx.Module.FindType(clrmodel.FullName{Name: stringDecryptorTypeName})
	var method *clrmodel.Method
	for _, m := range decryptor.Methods {
		if m.Name == decryptStaticMethodName {
			method = m
		}
	}
	if method == nil {
		t.Fatal("expected DecryptStatic to be declared")
	}

	// The AES body must wire the framework inverse end to end: create
	// the cipher, set the key, decrypt with the embedded zero IV, and
	// convert the plaintext bytes to a string.
	wantCalls := []string{"Create", "set_Key", "DecryptCbc", "get_UTF8", "GetString"}
	var gotCalls []string
	usesIV := false
	for _, ins := range method.Body.Instructions {
		switch ins.Op {
		case clrmodel.OpCall, clrmodel.OpCallVirt:
			gotCalls = append(gotCalls, ins.Operand.Call.MethodName)
		case clrmodel.OpLdSFld:
			if ins.Operand.FieldName == decryptorIVField {
				usesIV = true
			}
		}
	}
	if strings.Join(gotCalls, ",") != strings.Join(wantCalls, ",") {
		t.Fatalf("unexpected call sequence %v, want %v", gotCalls, wantCalls)
	}
	if !usesIV {
		t.Error("expected the body to load the embedded IV field")
	}
}
