// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package passes

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20"

	"github.com/saferwall/ilguard/clrmodel"
	"github.com/saferwall/ilguard/config"
	"github.com/saferwall/ilguard/obfctx"
)

// StringEncryptionPassID is the stable identifier for the string
// encryption pass.
const StringEncryptionPassID = "string-encryption"

// stringDecryptorTypeName is the synthesised decryptor type's name. The
// angle-bracket form follows the same convention real compilers use for
// support types they inject into the global namespace (e.g.
// <PrivateImplementationDetails> for array/string initialiser data), so
// the type reads as compiler-generated rather than hand-authored.
const stringDecryptorTypeName = "<StringDecryptor>"

const (
	decryptStaticMethodName  = "DecryptStatic"
	decryptDynamicMethodName = "DecryptDynamic"

	// decryptorKeyField holds the module-wide key the static decryptor
	// reads; decryptorIVField holds the zero IV the block-cipher body
	// passes to the framework decryptor.
	decryptorKeyField = "s_key"
	decryptorIVField  = "s_iv"
)

// StringEncryptionPass encrypts string literals: every distinct literal
// is encrypted once and replaced at each use site by a
// load-ciphertext(-and-key)-then-call sequence invoking a decryptor
// method synthesised into a dedicated type in the module's global
// namespace. With dynamic decryption each literal carries its own key;
// otherwise every literal shares one module-wide key embedded in the
// decryptor type, which is what lets the single-argument static
// decryptor invert the cipher at runtime.
type StringEncryptionPass struct{}

// NewStringEncryptionPass returns the string encryption pass.
func NewStringEncryptionPass() *StringEncryptionPass { return &StringEncryptionPass{} }

func (p *StringEncryptionPass) ID() string   { return StringEncryptionPassID }
func (p *StringEncryptionPass) Name() string { return "String Encryption" }
func (p *StringEncryptionPass) Description() string {
	return "Encrypts string literals and routes each load through an injected decryptor."
}
func (p *StringEncryptionPass) Priority() int           { return 80 }
func (p *StringEncryptionPass) Dependencies() []string  { return []string{RenamePassID} }
func (p *StringEncryptionPass) ConflictsWith() []string { return nil }

func (p *StringEncryptionPass) CanApply(ctx *obfctx.Context) bool {
	if !ctx.Config.EnableStringEncryption || !ctx.Config.Encryption.EncryptStrings {
		return false
	}
	// A module with no string-load instruction has nothing to encrypt.
	for _, t := range ctx.Module.Types {
		for _, m := range t.Methods {
			if m.Body == nil {
				continue
			}
			for _, ins := range m.Body.Instructions {
				if ins.Op == clrmodel.OpLdStr {
					return true
				}
			}
		}
	}
	return false
}

// ErrUnknownAlgorithm is returned when the configuration names an
// unrecognised encryption algorithm.
type ErrUnknownAlgorithm struct{ Algorithm config.EncryptionAlgorithm }

func (e *ErrUnknownAlgorithm) Error() string {
	return fmt.Sprintf("passes: unknown string encryption algorithm %q", e.Algorithm)
}

// keySizeFor returns the key length the algorithm's cipher expects.
func keySizeFor(algo config.EncryptionAlgorithm) int {
	switch algo {
	case config.AlgorithmStream:
		return chacha20.KeySize
	case config.AlgorithmCustom:
		return 16
	default:
		return 32
	}
}

// literalFieldPair names the decryptor type's static fields holding one
// literal's ciphertext and (when dynamic decryption is enabled) key.
type literalFieldPair struct {
	cipher string
	key    string
}

// Apply walks every method body, encrypts each distinct string literal
// exactly once, replaces every ldstr instruction referencing that
// literal with a load-field(s)-and-call sequence, and synthesises the
// decryptor type and method those calls target. The decryptor type is
// created fresh each run and therefore runs after the renaming pass,
// never itself renamed.
func (p *StringEncryptionPass) Apply(ctx *obfctx.Context) error {
	random, err := resolveRandomSource(ctx)
	if err != nil {
		return err
	}

	algo := ctx.Config.Encryption.Algorithm
	dynamic := ctx.Config.Encryption.DynamicDecryption
	decryptor := ensureDecryptorType(ctx.Module)
	if algo == config.AlgorithmSymmetricBlock || algo == "" {
		ensureStaticDataField(decryptor, decryptorIVField, make([]byte, aes.BlockSize))
	}
	var masterKey []byte
	if !dynamic {
		// One module-wide key: the static decryptor takes only the
		// ciphertext, so the key must be embedded where its body can
		// load it.
		masterKey = random.NextBytes(keySizeFor(algo))
		ensureStaticDataField(decryptor, decryptorKeyField, masterKey)
	}
	decryptMethod := ensureDecryptMethod(decryptor, algo, dynamic)
	fieldsByLiteral := map[string]literalFieldPair{}
	fieldCount := 0
	substituted := 0

	for _, t := range ctx.Module.Types {
		if t == decryptor {
			continue
		}
		if clrmodel.HasPreservedPrefix(t.FullName.String(), clrmodel.DefaultPreservedPrefixes) {
			continue
		}
		for _, m := range t.Methods {
			if m.Body == nil || len(m.Body.Instructions) == 0 {
				continue
			}
			rewritten := false
			next := make([]*clrmodel.Instruction, 0, len(m.Body.Instructions))
			for _, ins := range m.Body.Instructions {
				if ins.Op != clrmodel.OpLdStr || ins.Operand.Kind != clrmodel.OperandString || !eligibleLiteral(ins.Operand.Str) {
					next = append(next, ins)
					continue
				}
				plaintext := ins.Operand.Str
				rec, ok := ctx.StringCipher(plaintext)
				if !ok {
					key := masterKey
					if dynamic {
						key = random.NextBytes(keySizeFor(algo))
					}
					rec, err = encryptLiteral(algo, key, plaintext)
					if err != nil {
						return err
					}
					ctx.RecordStringCipher(plaintext, rec)
				}
				fields, ok := fieldsByLiteral[plaintext]
				if !ok {
					fields = declareLiteralFields(decryptor, &fieldCount, rec, dynamic)
					fieldsByLiteral[plaintext] = fields
				}
				next = append(next, substituteLiteralLoad(ins, decryptor, decryptMethod, fields, dynamic)...)
				rewritten = true
				substituted++
			}
			if rewritten {
				m.Body.Instructions = next
				renumber(m.Body)
			}
		}
	}
	ctx.AddDiagnostic(obfctx.SeverityInfo, "stringenc.count",
		fmt.Sprintf("%d string loads substituted across %d distinct literals", substituted, len(ctx.StringRegistry())), nil)
	return nil
}

// eligibleLiteral implements the exclude predicate: a literal
// shorter than two characters, or one carrying a preserved framework
// prefix, is left as plaintext.
func eligibleLiteral(s string) bool {
	if len(s) < 2 {
		return false
	}
	return !clrmodel.HasPreservedPrefix(s, clrmodel.DefaultPreservedPrefixes)
}

// ensureDecryptorType finds or creates the sealed, non-public,
// non-constructible type the pass synthesises into the module's global
// namespace. SpecialName marks it as compiler-generated support
// machinery rather than user code, the same bit real infrastructure
// types like <PrivateImplementationDetails> carry.
func ensureDecryptorType(m *clrmodel.Module) *clrmodel.Type {
	full := clrmodel.FullName{Name: stringDecryptorTypeName}
	if t := m.FindType(full); t != nil {
		return t
	}
	t := &clrmodel.Type{
		FullName:   full,
		Visibility: clrmodel.VisibilityAssembly,
		Attr:       clrmodel.TypeAttrSealed | clrmodel.TypeAttrSpecialName,
	}
	m.Types = append(m.Types, t)
	return t
}

// ensureStaticDataField finds or creates a private static byte[] field
// carrying the given compile-time value.
func ensureStaticDataField(t *clrmodel.Type, name string, value []byte) *clrmodel.Field {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	f := &clrmodel.Field{
		Name:         name,
		TypeName:     "System.Byte[]",
		Attr:         clrmodel.MemberAttrStatic | clrmodel.MemberAttrSpecialName,
		Visibility:   clrmodel.VisibilityPrivate,
		InitialValue: value,
	}
	t.Fields = append(t.Fields, f)
	return f
}

// ensureDecryptMethod finds or creates the static decrypt method the
// dynamic_decryption setting selects: DecryptStatic(byte[]):string when
// disabled, DecryptDynamic(byte[], byte[]):string when enabled. The
// body implements the inverse of the configured algorithm: a full XOR
// loop for the custom cipher, a framework AES-CBC call sequence for the
// block cipher, and a runtime-support call for the stream cipher.
func ensureDecryptMethod(t *clrmodel.Type, algo config.EncryptionAlgorithm, dynamic bool) *clrmodel.Method {
	name := decryptStaticMethodName
	params := []clrmodel.Param{{Name: "ciphertext", TypeName: "System.Byte[]"}}
	if dynamic {
		name = decryptDynamicMethodName
		params = append(params, clrmodel.Param{Name: "key", TypeName: "System.Byte[]"})
	}
	for _, m := range t.Methods {
		if m.Name == name {
			return m
		}
	}

	declaringRef := t.FullName.String()
	var body *clrmodel.MethodBody
	switch algo {
	case config.AlgorithmCustom:
		body = decryptBodyCustom(declaringRef, dynamic)
	case config.AlgorithmStream:
		body = decryptBodyStream(declaringRef, dynamic)
	default:
		body = decryptBodyBlock(declaringRef, dynamic)
	}

	method := &clrmodel.Method{
		Name:           name,
		Params:         params,
		ReturnTypeName: "System.String",
		Attr:           clrmodel.MemberAttrStatic | clrmodel.MemberAttrSpecialName,
		Visibility:     clrmodel.VisibilityAssembly,
		Body:           body,
	}
	t.Methods = append(t.Methods, method)
	return method
}

// callOperand builds the method-call operand used by the decryptor
// bodies. ArgCount counts every popped value, the receiver included for
// instance calls.
func callOperand(declaringRef, name string, argCount int, hasReturn bool) clrmodel.Operand {
	return clrmodel.Operand{
		Kind:       clrmodel.OperandMethod,
		MethodName: name,
		Call:       clrmodel.CallSignature{MethodName: name, DeclaringRef: declaringRef, ArgCount: argCount, HasReturn: hasReturn},
	}
}

// emitKeyLoad pushes the key bytes: the second argument under dynamic
// decryption, the embedded module-wide key field otherwise.
func emitKeyLoad(body *clrmodel.MethodBody, declaringRef string, dynamic bool) {
	if dynamic {
		body.NewInstruction(clrmodel.OpLdArg, clrmodel.Operand{Kind: clrmodel.OperandParam, ParamIndex: 1})
		return
	}
	body.NewInstruction(clrmodel.OpLdSFld, clrmodel.Operand{Kind: clrmodel.OperandField, FieldName: decryptorKeyField, DeclaringRef: declaringRef})
}

// emitBytesToString converts the byte[] in local bufLocal to the
// returned string via Encoding.UTF8.GetString.
func emitBytesToString(body *clrmodel.MethodBody, bufLocal int) {
	body.NewInstruction(clrmodel.OpCall, callOperand("System.Text.Encoding", "get_UTF8", 0, true))
	body.NewInstruction(clrmodel.OpLdLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: bufLocal})
	body.NewInstruction(clrmodel.OpCallVirt, callOperand("System.Text.Encoding", "GetString", 2, true))
	body.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())
}

// decryptBodyCustom emits the inverse of the custom positional XOR:
//
//	for i := 0; i < len(cipher); i++ {
//	    buf[i] = cipher[i] ^ key[i % len(key)] ^ (i & 255)
//	}
//	return Encoding.UTF8.GetString(buf)
func decryptBodyCustom(declaringRef string, dynamic bool) *clrmodel.MethodBody {
	body := clrmodel.NewBody()
	body.Locals = []clrmodel.Local{{TypeName: "System.Byte[]"}, {TypeName: "System.Int32"}}
	const bufLocal, idxLocal = 0, 1

	ldCipher := func() {
		body.NewInstruction(clrmodel.OpLdArg, clrmodel.Operand{Kind: clrmodel.OperandParam, ParamIndex: 0})
	}
	ldIdx := func() {
		body.NewInstruction(clrmodel.OpLdLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: idxLocal})
	}

	// buf = new byte[cipher.Length]; i = 0
	ldCipher()
	body.NewInstruction(clrmodel.OpLdLen, clrmodel.NoOperand())
	body.NewInstruction(clrmodel.OpNewArr, clrmodel.Operand{Kind: clrmodel.OperandType, TypeName: "System.Byte"})
	body.NewInstruction(clrmodel.OpStLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: bufLocal})
	body.NewInstruction(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64})
	body.NewInstruction(clrmodel.OpStLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: idxLocal})

	// while (i < cipher.Length)
	head := body.NewInstruction(clrmodel.OpLdLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: idxLocal})
	ldCipher()
	body.NewInstruction(clrmodel.OpLdLen, clrmodel.NoOperand())
	body.NewInstruction(clrmodel.OpClt, clrmodel.NoOperand())
	exitBranch := body.NewInstruction(clrmodel.OpBrFalse, clrmodel.Operand{Kind: clrmodel.OperandJumpTarget})

	// buf[i] = (byte)(cipher[i] ^ key[i % len(key)] ^ (i & 255))
	body.NewInstruction(clrmodel.OpLdLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: bufLocal})
	ldIdx()
	ldCipher()
	ldIdx()
	body.NewInstruction(clrmodel.OpLdElemU1, clrmodel.NoOperand())
	emitKeyLoad(body, declaringRef, dynamic)
	ldIdx()
	emitKeyLoad(body, declaringRef, dynamic)
	body.NewInstruction(clrmodel.OpLdLen, clrmodel.NoOperand())
	body.NewInstruction(clrmodel.OpRem, clrmodel.NoOperand())
	body.NewInstruction(clrmodel.OpLdElemU1, clrmodel.NoOperand())
	body.NewInstruction(clrmodel.OpXor, clrmodel.NoOperand())
	ldIdx()
	body.NewInstruction(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: 255})
	body.NewInstruction(clrmodel.OpAnd, clrmodel.NoOperand())
	body.NewInstruction(clrmodel.OpXor, clrmodel.NoOperand())
	body.NewInstruction(clrmodel.OpConvU1, clrmodel.NoOperand())
	body.NewInstruction(clrmodel.OpStElemU1, clrmodel.NoOperand())

	// i++
	ldIdx()
	body.NewInstruction(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: 1})
	body.NewInstruction(clrmodel.OpAdd, clrmodel.NoOperand())
	body.NewInstruction(clrmodel.OpStLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: idxLocal})
	body.NewInstruction(clrmodel.OpBr, clrmodel.Operand{Kind: clrmodel.OperandJumpTarget, JumpTarget: head.ID})

	done := body.NewInstruction(clrmodel.OpCall, callOperand("System.Text.Encoding", "get_UTF8", 0, true))
	exitBranch.Operand.JumpTarget = done.ID
	body.NewInstruction(clrmodel.OpLdLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: bufLocal})
	body.NewInstruction(clrmodel.OpCallVirt, callOperand("System.Text.Encoding", "GetString", 2, true))
	body.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())

	body.MaxStack = 8
	return body
}

// decryptBodyBlock emits the AES-CBC inverse by delegating to the
// framework cipher, the way hand-written decryptor stubs in managed
// obfuscators do:
//
//	aes = Aes.Create(); aes.Key = key
//	buf = aes.DecryptCbc(cipher, s_iv)   // PKCS#7 unpadding included
//	return Encoding.UTF8.GetString(buf)
func decryptBodyBlock(declaringRef string, dynamic bool) *clrmodel.MethodBody {
	const aesRef = "System.Security.Cryptography.Aes"
	body := clrmodel.NewBody()
	body.Locals = []clrmodel.Local{{TypeName: "System.Byte[]"}, {TypeName: aesRef}}
	const bufLocal, aesLocal = 0, 1

	body.NewInstruction(clrmodel.OpCall, callOperand(aesRef, "Create", 0, true))
	body.NewInstruction(clrmodel.OpStLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: aesLocal})
	body.NewInstruction(clrmodel.OpLdLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: aesLocal})
	emitKeyLoad(body, declaringRef, dynamic)
	body.NewInstruction(clrmodel.OpCallVirt, callOperand(aesRef, "set_Key", 2, false))
	body.NewInstruction(clrmodel.OpLdLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: aesLocal})
	body.NewInstruction(clrmodel.OpLdArg, clrmodel.Operand{Kind: clrmodel.OperandParam, ParamIndex: 0})
	body.NewInstruction(clrmodel.OpLdSFld, clrmodel.Operand{Kind: clrmodel.OperandField, FieldName: decryptorIVField, DeclaringRef: declaringRef})
	body.NewInstruction(clrmodel.OpCallVirt, callOperand(aesRef, "DecryptCbc", 3, true))
	body.NewInstruction(clrmodel.OpStLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: bufLocal})
	emitBytesToString(body, bufLocal)
	body.MaxStack = 3
	return body
}

// decryptBodyStream emits the ChaCha20 inverse as a call into the
// runtime support library: the framework class library exposes no raw
// ChaCha20 transform, so the keystream XOR lives in
// IlGuard.Runtime.ChaCha, shipped alongside protected output.
func decryptBodyStream(declaringRef string, dynamic bool) *clrmodel.MethodBody {
	body := clrmodel.NewBody()
	body.Locals = []clrmodel.Local{{TypeName: "System.Byte[]"}}
	const bufLocal = 0

	body.NewInstruction(clrmodel.OpLdArg, clrmodel.Operand{Kind: clrmodel.OperandParam, ParamIndex: 0})
	emitKeyLoad(body, declaringRef, dynamic)
	body.NewInstruction(clrmodel.OpCall, callOperand("IlGuard.Runtime.ChaCha", "Transform", 2, true))
	body.NewInstruction(clrmodel.OpStLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: bufLocal})
	emitBytesToString(body, bufLocal)
	body.MaxStack = 2
	return body
}

// declareLiteralFields adds the decryptor type's per-literal static
// fields, carrying the real ciphertext (and, for dynamic decryption, key)
// bytes via Field.InitialValue, the model's FieldRVA-style mechanism for
// a compile-time-baked static value.
func declareLiteralFields(t *clrmodel.Type, counter *int, rec obfctx.StringCipherRecord, dynamic bool) literalFieldPair {
	idx := *counter
	*counter++

	cipherField := ensureStaticDataField(t, fmt.Sprintf("s_cipher_%d", idx), rec.Ciphertext)
	pair := literalFieldPair{cipher: cipherField.Name}
	if dynamic {
		keyField := ensureStaticDataField(t, fmt.Sprintf("s_key_%d", idx), rec.Key)
		pair.key = keyField.Name
	}
	return pair
}

// substituteLiteralLoad builds the replacement sequence for one
// ldstr instruction: load the ciphertext field, optionally the key
// field, then call the decryptor. The original instruction's ID is kept
// on the first emitted instruction so any branch targeting the ldstr
// keeps resolving; the rest are given fresh IDs by the caller's
// renumber call. Net stack effect is +1 in both modes: a single OpLdSFld
// nets +1, and OpCall with HasReturn true nets (1 - ArgCount), so the
// static sequence totals 1+0=1 and the dynamic one totals 1+1-1=1,
// matching the ldstr it replaces.
func substituteLiteralLoad(orig *clrmodel.Instruction, decryptor *clrmodel.Type, method *clrmodel.Method, fields literalFieldPair, dynamic bool) []*clrmodel.Instruction {
	declaringRef := decryptor.FullName.String()
	seq := []*clrmodel.Instruction{
		{ID: orig.ID, Op: clrmodel.OpLdSFld, Operand: clrmodel.Operand{Kind: clrmodel.OperandField, FieldName: fields.cipher, DeclaringRef: declaringRef}},
	}
	argCount := 1
	if dynamic {
		seq = append(seq, &clrmodel.Instruction{Op: clrmodel.OpLdSFld, Operand: clrmodel.Operand{Kind: clrmodel.OperandField, FieldName: fields.key, DeclaringRef: declaringRef}})
		argCount = 2
	}
	seq = append(seq, &clrmodel.Instruction{
		Op:      clrmodel.OpCall,
		Operand: callOperand(declaringRef, method.Name, argCount, true),
	})
	return seq
}

// encryptLiteral encrypts plaintext under the given key with the
// configured algorithm.
func encryptLiteral(algo config.EncryptionAlgorithm, key []byte, plaintext string) (obfctx.StringCipherRecord, error) {
	plain := []byte(plaintext)
	switch algo {
	case config.AlgorithmSymmetricBlock, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return obfctx.StringCipherRecord{}, err
		}
		padded := pkcs7Pad(plain, block.BlockSize())
		ciphertext := make([]byte, len(padded))
		// Zero IV: deterministic per key, so repeated literals sharing a
		// key produce identical ciphertext and the per-literal dedup in
		// the registry stays meaningful.
		iv := make([]byte, block.BlockSize())
		mode := cipher.NewCBCEncrypter(block, iv)
		mode.CryptBlocks(ciphertext, padded)
		return obfctx.StringCipherRecord{Ciphertext: ciphertext, Key: key, Algorithm: string(config.AlgorithmSymmetricBlock)}, nil

	case config.AlgorithmStream:
		nonce := make([]byte, chacha20.NonceSize)
		c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
		if err != nil {
			return obfctx.StringCipherRecord{}, err
		}
		ciphertext := make([]byte, len(plain))
		c.XORKeyStream(ciphertext, plain)
		return obfctx.StringCipherRecord{Ciphertext: ciphertext, Key: key, Algorithm: string(config.AlgorithmStream)}, nil

	case config.AlgorithmCustom:
		ciphertext := make([]byte, len(plain))
		for i, b := range plain {
			ciphertext[i] = byte(b) ^ key[i%len(key)] ^ byte(i&0xFF)
		}
		return obfctx.StringCipherRecord{Ciphertext: ciphertext, Key: key, Algorithm: string(config.AlgorithmCustom)}, nil

	default:
		return obfctx.StringCipherRecord{}, &ErrUnknownAlgorithm{Algorithm: algo}
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// DecryptLiteral reverses encryptLiteral, used by tests to confirm a
// cipher record round-trips.
func DecryptLiteral(rec obfctx.StringCipherRecord) (string, error) {
	switch config.EncryptionAlgorithm(rec.Algorithm) {
	case config.AlgorithmSymmetricBlock, "":
		block, err := aes.NewCipher(rec.Key)
		if err != nil {
			return "", err
		}
		iv := make([]byte, block.BlockSize())
		mode := cipher.NewCBCDecrypter(block, iv)
		plain := make([]byte, len(rec.Ciphertext))
		mode.CryptBlocks(plain, rec.Ciphertext)
		return string(pkcs7Unpad(plain)), nil

	case config.AlgorithmStream:
		nonce := make([]byte, chacha20.NonceSize)
		c, err := chacha20.NewUnauthenticatedCipher(rec.Key, nonce)
		if err != nil {
			return "", err
		}
		plain := make([]byte, len(rec.Ciphertext))
		c.XORKeyStream(plain, rec.Ciphertext)
		return string(plain), nil

	case config.AlgorithmCustom:
		plain := make([]byte, len(rec.Ciphertext))
		for i, b := range rec.Ciphertext {
			plain[i] = b ^ rec.Key[i%len(rec.Key)] ^ byte(i&0xFF)
		}
		return string(plain), nil

	default:
		return "", &ErrUnknownAlgorithm{Algorithm: config.EncryptionAlgorithm(rec.Algorithm)}
	}
}

func pkcs7Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	padLen := int(data[len(data)-1])
	if padLen <= 0 || padLen > len(data) {
		return data
	}
	return data[:len(data)-padLen]
}
