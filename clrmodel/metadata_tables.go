// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrmodel

// References
// https://www.ntcore.com/files/dotnetformat.htm
//
// The table indices and COM+ header flags below are carried over verbatim
// from saferwall/pe's dotnet.go: they are ECMA-335 constants, not
// saferwall-specific design, and the pipeline's dump/inspection surface
// (cmd/ilguard's "dump" subcommand) reports them the same way
// cmd/pedumper.go did for read-only PE inspection.

var comImageFlagNames = map[COMImageFlagsType]string{
	COMImageFlagsILOnly:           "ILOnly",
	COMImageFlags32BitRequired:    "32BitRequired",
	COMImageFlagILLibrary:         "ILLibrary",
	COMImageFlagsStrongNameSigned: "StrongNameSigned",
	COMImageFlagsNativeEntrypoint: "NativeEntrypoint",
	COMImageFlagsTrackDebugData:   "TrackDebugData",
	COMImageFlags32BitPreferred:   "32BitPreferred",
}

// Names returns the set bits of flags as their ECMA-335 mnemonic names,
// in declaration order, for the dump subcommand's human-readable output.
func (flags COMImageFlagsType) Names() []string {
	var names []string
	for _, bit := range []COMImageFlagsType{
		COMImageFlagsILOnly, COMImageFlags32BitRequired, COMImageFlagILLibrary,
		COMImageFlagsStrongNameSigned, COMImageFlagsNativeEntrypoint,
		COMImageFlagsTrackDebugData, COMImageFlags32BitPreferred,
	} {
		if flags&bit != 0 {
			names = append(names, comImageFlagNames[bit])
		}
	}
	return names
}

// COMImageFlagsType represents a COM+ header entry point flag type.
type COMImageFlagsType uint32

// COM+ Header entry point flags.
const (
	COMImageFlagsILOnly           = 0x00000001
	COMImageFlags32BitRequired    = 0x00000002
	COMImageFlagILLibrary         = 0x00000004
	COMImageFlagsStrongNameSigned = 0x00000008
	COMImageFlagsNativeEntrypoint = 0x00000010
	COMImageFlagsTrackDebugData   = 0x00010000
	COMImageFlags32BitPreferred   = 0x00020000
)

// Metadata table indices, as defined by ECMA-335 §II.22.
const (
	MetaModule = iota
	MetaTypeRef
	MetaTypeDef
	MetaFieldPtr
	MetaField
	MetaMethodPtr
	MetaMethod
	MetaParamPtr
	MetaParam
	MetaInterfaceImpl
	MetaMemberRef
	MetaConstant
	MetaCustomAttribute
	MetaFieldMarshal
	MetaDeclSecurity
	MetaClassLayout
	MetaFieldLayout
	MetaStandAloneSig
	MetaEventMap
	MetaEventPtr
	MetaEvent
	MetaPropertyMap
	MetaPropertyPtr
	MetaProperty
	MetaMethodSemantics
	MetaMethodImpl
	MetaModuleRef
	MetaTypeSpec
	MetaImplMap
	MetaFieldRVA
	MetaENCLog
	MetaENCMap
	MetaAssembly
	MetaAssemblyProcessor
	MetaAssemblyOS
	MetaAssemblyRef
	MetaAssemblyRefProcessor
	MetaAssemblyRefOS
	MetaFile
	MetaExportedType
	MetaManifestResource
	MetaNestedClass
	MetaGenericParam
	MetaMethodSpec
	MetaGenericParamConstraint
)

var metadataTableNames = map[int]string{
	MetaModule:                 "Module",
	MetaTypeRef:                "TypeRef",
	MetaTypeDef:                "TypeDef",
	MetaFieldPtr:               "FieldPtr",
	MetaField:                  "Field",
	MetaMethodPtr:              "MethodPtr",
	MetaMethod:                 "Method",
	MetaParamPtr:               "ParamPtr",
	MetaParam:                  "Param",
	MetaInterfaceImpl:          "InterfaceImpl",
	MetaMemberRef:              "MemberRef",
	MetaConstant:               "Constant",
	MetaCustomAttribute:        "CustomAttribute",
	MetaFieldMarshal:           "FieldMarshal",
	MetaDeclSecurity:           "DeclSecurity",
	MetaClassLayout:            "ClassLayout",
	MetaFieldLayout:            "FieldLayout",
	MetaStandAloneSig:          "StandAloneSig",
	MetaEventMap:               "EventMap",
	MetaEventPtr:               "EventPtr",
	MetaEvent:                  "Event",
	MetaPropertyMap:            "PropertyMap",
	MetaPropertyPtr:            "PropertyPtr",
	MetaProperty:               "Property",
	MetaMethodSemantics:        "MethodSemantics",
	MetaMethodImpl:             "MethodImpl",
	MetaModuleRef:              "ModuleRef",
	MetaTypeSpec:               "TypeSpec",
	MetaImplMap:                "ImplMap",
	MetaFieldRVA:               "FieldRVA",
	MetaENCLog:                 "ENCLog",
	MetaENCMap:                 "ENCMap",
	MetaAssembly:               "Assembly",
	MetaAssemblyProcessor:      "AssemblyProcessor",
	MetaAssemblyOS:             "AssemblyOS",
	MetaAssemblyRef:            "AssemblyRef",
	MetaAssemblyRefProcessor:   "AssemblyRefProcessor",
	MetaAssemblyRefOS:          "AssemblyRefOS",
	MetaFile:                   "File",
	MetaExportedType:           "ExportedType",
	MetaManifestResource:       "ManifestResource",
	MetaNestedClass:            "NestedClass",
	MetaGenericParam:           "GenericParam",
	MetaMethodSpec:             "MethodSpec",
	MetaGenericParamConstraint: "GenericParamConstraint",
}

// MetadataTableIndexToString returns the ECMA-335 name of a metadata table
// index, or "" if unrecognised.
func MetadataTableIndexToString(k int) string {
	return metadataTableNames[k]
}

// TableStats summarises a module's metadata table row counts, used by the
// CLI's "dump" inspection subcommand.
func (m *Module) TableStats() map[string]int {
	stats := map[string]int{
		metadataTableNames[MetaTypeDef]: len(m.Types),
	}
	methods, fields, props, events := 0, 0, 0, 0
	for _, t := range m.Types {
		methods += len(t.Methods)
		fields += len(t.Fields)
		props += len(t.Properties)
		events += len(t.Events)
	}
	stats[metadataTableNames[MetaMethod]] = methods
	stats[metadataTableNames[MetaField]] = fields
	stats[metadataTableNames[MetaProperty]] = props
	stats[metadataTableNames[MetaEvent]] = events
	stats[metadataTableNames[MetaManifestResource]] = len(m.Resources)
	return stats
}
