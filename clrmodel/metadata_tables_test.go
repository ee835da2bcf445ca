// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrmodel

import "testing"

func TestTableStatsCountsMembers(t *testing.T) {
	m := NewModule("Sample")
	t1 := &Type{FullName: FullName{Namespace: "Acme", Name: "Greeter"}}
	t1.Methods = append(t1.Methods, &Method{Name: "Greet"})
	t1.Fields = append(t1.Fields, &Field{Name: "count"})
	t1.Properties = append(t1.Properties, &Property{Name: "Count"})
	t1.Events = append(t1.Events, &Event{Name: "Changed"})
	m.Types = append(m.Types, t1)
	m.Resources["icon.ico"] = []byte{1, 2, 3}

	stats := m.TableStats()
	if stats[MetadataTableIndexToString(MetaTypeDef)] != len(m.Types) {
		t.Errorf("TypeDef count = %d, want %d", stats["TypeDef"], len(m.Types))
	}
	if stats["Method"] != 1 || stats["Field"] != 1 || stats["Property"] != 1 || stats["Event"] != 1 {
		t.Errorf("unexpected member counts: %+v", stats)
	}
	if stats["ManifestResource"] != 1 {
		t.Errorf("ManifestResource count = %d, want 1", stats["ManifestResource"])
	}
}

func TestCOMImageFlagsNames(t *testing.T) {
	flags := COMImageFlagsType(COMImageFlagsILOnly | COMImageFlagsStrongNameSigned)
	names := flags.Names()
	if len(names) != 2 || names[0] != "ILOnly" || names[1] != "StrongNameSigned" {
		t.Errorf("Names() = %v, want [ILOnly StrongNameSigned]", names)
	}
}

func TestMetadataTableIndexToStringUnknown(t *testing.T) {
	if got := MetadataTableIndexToString(9999); got != "" {
		t.Errorf("MetadataTableIndexToString(9999) = %q, want empty", got)
	}
}
